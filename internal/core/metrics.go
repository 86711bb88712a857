// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import "github.com/prometheus/client_golang/prometheus"

// Room kind labels for message metrics.
const (
	RoomKindGlobal = "global"
	RoomKindEvent  = "event"
)

// ActiveConnections is the number of connections currently registered.
// Use RegisterMetrics to register this with a Prometheus registry.
var ActiveConnections = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "citypulse_active_connections",
		Help: "Number of currently registered connections",
	},
)

// ConnectionsAccepted counts accepted handshakes.
var ConnectionsAccepted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "citypulse_connections_accepted_total",
		Help: "Total number of accepted connections",
	},
)

// MessagesPublished counts published messages by room kind.
var MessagesPublished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "citypulse_messages_published_total",
		Help: "Total number of messages published by room kind",
	},
	[]string{"room_kind"},
)

// DeliveriesDropped counts events dropped because a recipient queue was full or closed.
var DeliveriesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "citypulse_deliveries_dropped_total",
		Help: "Total number of events dropped at a recipient queue by event kind",
	},
	[]string{"kind"},
)

// PresenceUpdates counts presence recount broadcasts.
var PresenceUpdates = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "citypulse_presence_updates_total",
		Help: "Total number of presence recounts published",
	},
)

// AlertsSent counts dispatched alerts.
var AlertsSent = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "citypulse_alerts_sent_total",
		Help: "Total number of alerts dispatched",
	},
)

// PushFailures counts failed push-notification attempts.
var PushFailures = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "citypulse_push_failures_total",
		Help: "Total number of failed push notifications",
	},
)

// RegisterMetrics registers core metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ActiveConnections)
	reg.MustRegister(ConnectionsAccepted)
	reg.MustRegister(MessagesPublished)
	reg.MustRegister(DeliveriesDropped)
	reg.MustRegister(PresenceUpdates)
	reg.MustRegister(AlertsSent)
	reg.MustRegister(PushFailures)
}
