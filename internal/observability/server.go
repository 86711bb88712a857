// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package observability serves Prometheus metrics and health probes.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker reports whether the service accepts connections.
type ReadinessChecker func() bool

// Registrar registers a package's metrics with a registry.
type Registrar func(prometheus.Registerer)

// Metrics are the transport-level metrics recorded by the gateway.
type Metrics struct {
	ConnectionsTotal *prometheus.CounterVec
	RequestsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers the transport metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citypulse_transport_connections_total",
				Help: "Total number of transport connections by transport and outcome",
			},
			[]string{"transport", "outcome"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "citypulse_http_requests_total",
				Help: "Total number of HTTP API requests by route and status",
			},
			[]string{"route", "status"},
		),
	}

	reg.MustRegister(m.ConnectionsTotal)
	reg.MustRegister(m.RequestsTotal)
	return m
}

// Server serves /metrics and the liveness and readiness probes.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a server on a private registry holding the Go and
// process collectors, the transport metrics and whatever registrars add.
func NewServer(addr string, readinessChecker ReadinessChecker, registrars ...Registrar) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)
	for _, register := range registrars {
		register(registry)
	}

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the transport metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Registry returns the registry backing /metrics.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Handler returns the metrics and health routes.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})))
	r.GET("/healthz/liveness", s.handleLiveness)
	r.GET("/healthz/readiness", s.handleReadiness)
	return r
}

// Start begins serving. The returned channel receives a serve error, if
// any, and is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop shuts the server down. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.String(http.StatusOK, "ok\n")
}

func (s *Server) handleReadiness(c *gin.Context) {
	if s.isReady == nil || s.isReady() {
		c.String(http.StatusOK, "ok\n")
		return
	}
	c.String(http.StatusServiceUnavailable, "not ready\n")
}
