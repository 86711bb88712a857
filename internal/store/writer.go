// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/pkg/errutil"
)

// Record kinds for archive metrics.
const (
	RecordMessage = "message"
	RecordAlert   = "alert"
)

// ArchiveWrites counts archive writes by record kind and status.
// Use RegisterMetrics to register this with a Prometheus registry.
var ArchiveWrites = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "citypulse_archive_writes_total",
		Help: "Total number of archive writes by record kind and status",
	},
	[]string{"kind", "status"},
)

// ArchiveDropped counts records dropped because the archive queue was full.
var ArchiveDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "citypulse_archive_dropped_total",
		Help: "Total number of records dropped before reaching the archive",
	},
	[]string{"kind"},
)

// RegisterMetrics registers store metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ArchiveWrites)
	reg.MustRegister(ArchiveDropped)
}

// RecordSink persists archive records.
type RecordSink interface {
	AppendMessage(ctx context.Context, msg core.Message) error
	AppendAlert(ctx context.Context, alert core.Alert) error
}

type record struct {
	msg   *core.Message
	alert *core.Alert
}

func (r record) kind() string {
	if r.alert != nil {
		return RecordAlert
	}
	return RecordMessage
}

// Writer is a bounded asynchronous queue in front of a RecordSink. It
// implements core.Archiver: enqueueing never blocks and overflow is dropped.
type Writer struct {
	sink    RecordSink
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	queue  chan record
	closed bool

	done chan struct{}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithQueueSize sets how many records may wait for the sink.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queue = make(chan record, n)
		}
	}
}

// WithWriteTimeout bounds each sink call.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) { w.timeout = d }
}

// WithWriterLogger sets the writer logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = l }
}

// NewWriter creates a writer and starts its drain goroutine.
func NewWriter(sink RecordSink, opts ...WriterOption) *Writer {
	w := &Writer{
		sink:    sink,
		timeout: 5 * time.Second,
		logger:  slog.Default(),
		queue:   make(chan record, 1024),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// ArchiveMessage queues msg for storage.
func (w *Writer) ArchiveMessage(msg core.Message) {
	w.enqueue(record{msg: &msg})
}

// ArchiveAlert queues alert for storage.
func (w *Writer) ArchiveAlert(alert core.Alert) {
	w.enqueue(record{alert: &alert})
}

func (w *Writer) enqueue(r record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		ArchiveDropped.WithLabelValues(r.kind()).Inc()
		return
	}
	select {
	case w.queue <- r:
	default:
		ArchiveDropped.WithLabelValues(r.kind()).Inc()
		w.logger.Warn("archive queue full, dropping record", "kind", r.kind())
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for r := range w.queue {
		w.write(r)
	}
}

func (w *Writer) write(r record) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	var err error
	if r.alert != nil {
		err = w.sink.AppendAlert(ctx, *r.alert)
	} else {
		err = w.sink.AppendMessage(ctx, *r.msg)
	}
	if err != nil {
		ArchiveWrites.WithLabelValues(r.kind(), "error").Inc()
		errutil.LogError(w.logger, "archive write failed", err, "kind", r.kind())
		return
	}
	ArchiveWrites.WithLabelValues(r.kind(), "ok").Inc()
}

// Close stops accepting records and waits until queued ones are written or
// ctx expires.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
