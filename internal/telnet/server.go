// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package telnet serves the line-oriented terminal protocol.
package telnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/gateway"
	"github.com/citypulse/citypulse/internal/observability"
)

// Server accepts telnet clients.
type Server struct {
	addr       string
	listener   net.Listener
	hub        *core.Hub
	dispatcher *gateway.Dispatcher
	sendBuffer int
	metrics    *observability.Metrics
	mu         sync.RWMutex
	handlers   sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithSendBuffer sets the per-connection outbound queue size.
func WithSendBuffer(n int) Option {
	return func(s *Server) { s.sendBuffer = n }
}

// WithMetrics records accepted connections into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a telnet server.
func NewServer(addr string, hub *core.Hub, dispatcher *gateway.Dispatcher, opts ...Option) *Server {
	s := &Server{
		addr:       addr,
		hub:        hub,
		dispatcher: dispatcher,
		sendBuffer: 256,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Addr returns the listen address, or "" before Run has bound it.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run serves until ctx is cancelled, then waits for open sessions to end.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("telnet server started", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		if err := listener.Close(); err != nil {
			slog.Debug("error closing listener", "error", err)
		}
	}()
	defer s.handlers.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				slog.Error("accept failed", "error", err)
				continue
			}
		}
		if s.metrics != nil {
			s.metrics.ConnectionsTotal.WithLabelValues("telnet", "accepted").Inc()
		}
		handler := NewConnectionHandler(conn, s.hub, s.dispatcher, s.sendBuffer)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			handler.Handle(ctx)
		}()
	}
}
