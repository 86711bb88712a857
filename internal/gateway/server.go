// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package gateway terminates WebSocket and HTTP clients and forwards their
// requests to the hub.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/observability"
)

// Config holds gateway limits and timings.
type Config struct {
	Addr             string
	SendBuffer       int
	PingInterval     time.Duration
	PongTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int64
	OriginPatterns   []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:             ":5001",
		SendBuffer:       256,
		PingInterval:     10 * time.Second,
		PongTimeout:      5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxFrameBytes:    16 << 10,
	}
}

// Server serves the WebSocket endpoint and the HTTP API.
type Server struct {
	cfg        Config
	hub        *core.Hub
	alerts     *core.AlertDispatcher
	dispatcher *Dispatcher
	metrics    *observability.Metrics
	logger     *slog.Logger
	router     *gin.Engine

	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool

	baseCtx context.Context
	cancel  context.CancelFunc
	conns   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithMetrics records transport metrics into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a gateway over hub. Client events go through dispatcher.
func NewServer(hub *core.Hub, alerts *core.AlertDispatcher, dispatcher *Dispatcher, opts ...Option) *Server {
	s := &Server{
		cfg:        DefaultConfig(),
		hub:        hub,
		alerts:     alerts,
		dispatcher: dispatcher,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	s.router = s.newRouter()
	return s
}

// Handler returns the gin engine serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address. The returned channel receives a
// serve error, if any, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("gateway already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.cfg.Addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("gateway serve error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("gateway started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop stops accepting requests, closes every WebSocket connection and
// waits for their loops to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = oops.With("operation", "shutdown_gateway").Wrap(err)
		}
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return oops.With("operation", "drain_connections").Wrap(ctx.Err())
	}

	s.logger.Info("gateway stopped")
	return shutdownErr
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) countConnection(transport, outcome string) {
	if s.metrics != nil {
		s.metrics.ConnectionsTotal.WithLabelValues(transport, outcome).Inc()
	}
}
