// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/protocol"
)

const tracerName = "github.com/citypulse/citypulse/internal/gateway"

// DefaultHistoryLimit is the number of messages replayed when a history
// request carries no limit.
const DefaultHistoryLimit = 50

type handlerFunc func(ctx context.Context, conn *core.Connection, ev protocol.ClientEvent) error

// Dispatcher routes decoded client events to the hub and alert dispatcher.
// It is shared by every transport.
type Dispatcher struct {
	hub          *core.Hub
	alerts       *core.AlertDispatcher
	historyLimit int
	tracer       trace.Tracer
	logger       *slog.Logger
	limiter      *RateLimiter
	handlers     map[protocol.ClientKind]handlerFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHistoryLimit sets the replay size used when a request has no limit.
func WithHistoryLimit(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.historyLimit = n
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRateLimiter throttles publish and alert events per connection.
func WithRateLimiter(rl *RateLimiter) DispatcherOption {
	return func(d *Dispatcher) { d.limiter = rl }
}

// NewDispatcher builds the handler table. It panics if a client event kind
// has no handler.
func NewDispatcher(hub *core.Hub, alerts *core.AlertDispatcher, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		hub:          hub,
		alerts:       alerts,
		historyLimit: DefaultHistoryLimit,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	d.handlers = map[protocol.ClientKind]handlerFunc{
		protocol.KindJoin:           d.join,
		protocol.KindLeave:          d.leave,
		protocol.KindPublish:        d.publish,
		protocol.KindRequestHistory: d.requestHistory,
		protocol.KindSendAlert:      d.sendAlert,
	}
	if err := checkExhaustive(d.handlers); err != nil {
		panic(err)
	}
	return d
}

func checkExhaustive(handlers map[protocol.ClientKind]handlerFunc) error {
	for _, kind := range protocol.ClientKinds() {
		if handlers[kind] == nil {
			return fmt.Errorf("gateway: no handler for client event %q", kind)
		}
	}
	return nil
}

// Dispatch runs the handler for ev. A failure is reported to conn alone as
// an error event and returned to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *core.Connection, ev protocol.ClientEvent) error {
	ctx, span := d.tracer.Start(ctx, "gateway.dispatch", trace.WithAttributes(
		attribute.String("event.kind", string(ev.ClientKind())),
		attribute.String("conn.id", conn.ID.String()),
	))
	defer span.End()

	handle, ok := d.handlers[ev.ClientKind()]
	if !ok {
		err := core.ErrUnknownEvent(string(ev.ClientKind()))
		d.Reject(conn, err, "")
		return err
	}

	if err := d.throttle(conn, ev); err != nil {
		span.SetStatus(codes.Error, core.CodeRateLimited)
		d.Reject(conn, err, roomOf(ev))
		return err
	}

	if err := handle(ctx, conn, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, core.ErrorCode(err))
		d.Reject(conn, err, roomOf(ev))
		d.logger.DebugContext(ctx, "client event rejected",
			"conn_id", conn.ID, "kind", ev.ClientKind(), "code", core.ErrorCode(err))
		return err
	}
	return nil
}

// Forget releases per-connection state once conn has gone.
func (d *Dispatcher) Forget(conn *core.Connection) {
	if d.limiter != nil {
		d.limiter.Forget(conn.ID)
	}
}

func (d *Dispatcher) throttle(conn *core.Connection, ev protocol.ClientEvent) error {
	if d.limiter == nil {
		return nil
	}
	kind := ev.ClientKind()
	if kind != protocol.KindPublish && kind != protocol.KindSendAlert {
		return nil
	}
	if ok, wait := d.limiter.Allow(conn.ID); !ok {
		RateLimited.WithLabelValues(string(kind)).Inc()
		return core.ErrRateLimited(string(kind), wait)
	}
	return nil
}

// Reject sends err to conn as an error event.
func (d *Dispatcher) Reject(conn *core.Connection, err error, roomID string) {
	//nolint:errcheck // a closed connection has nobody to tell
	d.hub.Send(conn.ID, core.NewErrorEvent(err, roomID))
}

func roomOf(ev protocol.ClientEvent) string {
	switch e := ev.(type) {
	case protocol.Join:
		return e.RoomID
	case protocol.Leave:
		return e.RoomID
	case protocol.Publish:
		return e.RoomID
	case protocol.RequestHistory:
		return e.RoomID
	default:
		return ""
	}
}

func (d *Dispatcher) join(_ context.Context, conn *core.Connection, ev protocol.ClientEvent) error {
	return d.hub.Join(conn.ID, ev.(protocol.Join).RoomID)
}

func (d *Dispatcher) leave(_ context.Context, conn *core.Connection, ev protocol.ClientEvent) error {
	return d.hub.Leave(conn.ID, ev.(protocol.Leave).RoomID)
}

func (d *Dispatcher) publish(ctx context.Context, conn *core.Connection, ev protocol.ClientEvent) error {
	p := ev.(protocol.Publish)
	_, err := d.hub.Publish(ctx, p.RoomID, conn.ID, p.Body)
	return err
}

func (d *Dispatcher) requestHistory(_ context.Context, conn *core.Connection, ev protocol.ClientEvent) error {
	req := ev.(protocol.RequestHistory)
	limit, err := d.resolveHistoryLimit(req.Limit)
	if err != nil {
		return err
	}
	msgs, err := d.hub.History(req.RoomID, limit)
	if err != nil {
		return err
	}
	return d.hub.Send(conn.ID, core.HistoryReplay{RoomID: req.RoomID, Messages: msgs})
}

// resolveHistoryLimit maps a requested limit to the one passed to the hub.
// Zero means the server default and negative limits are rejected.
func (d *Dispatcher) resolveHistoryLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, core.ErrInvalidLimit(limit)
	case limit == 0:
		return d.historyLimit, nil
	default:
		return limit, nil
	}
}

func (d *Dispatcher) sendAlert(ctx context.Context, conn *core.Connection, ev protocol.ClientEvent) error {
	a := ev.(protocol.SendAlert)
	d.alerts.SendAlert(ctx, conn.ID, a.Title, a.Body)
	return nil
}
