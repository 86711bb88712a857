// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/citypulse/citypulse/pkg/errutil"
)

// Alert defaults.
const (
	DefaultAlertTitle   = "🚨 Emergency Alert!"
	DefaultAlertBody    = "Someone nearby triggered an SOS!"
	DefaultAlertTopic   = "sos-alerts"
	DefaultAlertTimeout = 5 * time.Second
)

// Notifier posts a notification to an external push topic.
type Notifier interface {
	SendToTopic(ctx context.Context, topic, title, body string) error
}

// AlertDispatcher fans alerts out to every connection and to a push topic.
// Push delivery runs in the background and its failures are logged, never
// returned.
type AlertDispatcher struct {
	hub          *Hub
	notifier     Notifier
	archive      Archiver
	topic        string
	defaultTitle string
	defaultBody  string
	timeout      time.Duration
	logger       *slog.Logger

	wg sync.WaitGroup
}

// AlertOption configures an AlertDispatcher.
type AlertOption func(*AlertDispatcher)

// WithTopic sets the push topic.
func WithTopic(topic string) AlertOption {
	return func(d *AlertDispatcher) { d.topic = topic }
}

// WithDefaults sets the title and body used when a caller omits them.
func WithDefaults(title, body string) AlertOption {
	return func(d *AlertDispatcher) {
		if title != "" {
			d.defaultTitle = title
		}
		if body != "" {
			d.defaultBody = body
		}
	}
}

// WithPushTimeout bounds a single push attempt.
func WithPushTimeout(timeout time.Duration) AlertOption {
	return func(d *AlertDispatcher) { d.timeout = timeout }
}

// WithAlertArchiver records every dispatched alert.
func WithAlertArchiver(a Archiver) AlertOption {
	return func(d *AlertDispatcher) { d.archive = a }
}

// WithAlertLogger sets the dispatcher logger.
func WithAlertLogger(l *slog.Logger) AlertOption {
	return func(d *AlertDispatcher) { d.logger = l }
}

// NewAlertDispatcher creates a dispatcher. A nil notifier disables push.
func NewAlertDispatcher(hub *Hub, notifier Notifier, opts ...AlertOption) *AlertDispatcher {
	d := &AlertDispatcher{
		hub:          hub,
		notifier:     notifier,
		topic:        DefaultAlertTopic,
		defaultTitle: DefaultAlertTitle,
		defaultBody:  DefaultAlertBody,
		timeout:      DefaultAlertTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendAlert delivers an alert to every connected client, bypassing rooms,
// then posts it to the push topic in the background. It never fails.
func (d *AlertDispatcher) SendAlert(ctx context.Context, origin ulid.ULID, title, body string) Alert {
	if strings.TrimSpace(title) == "" {
		title = d.defaultTitle
	}
	if strings.TrimSpace(body) == "" {
		body = d.defaultBody
	}
	alert := Alert{
		ID:        NewULID(),
		Title:     title,
		Body:      body,
		Topic:     d.topic,
		OriginID:  origin,
		Timestamp: d.hub.now(),
	}

	delivered := d.hub.Broadcast(AlertDelivered{Alert: alert})
	AlertsSent.Inc()
	d.logger.Info("alert dispatched",
		"alert_id", alert.ID,
		"origin", origin,
		"topic", alert.Topic,
		"delivered", delivered)

	if d.archive != nil {
		d.archive.ArchiveAlert(alert)
	}
	if d.notifier != nil {
		d.wg.Add(1)
		go d.push(context.WithoutCancel(ctx), alert)
	}
	return alert
}

func (d *AlertDispatcher) push(ctx context.Context, alert Alert) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			PushFailures.Inc()
			errutil.LogError(d.logger, "push notification panicked",
				fmt.Errorf("panic: %v", r), "alert_id", alert.ID)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.notifier.SendToTopic(ctx, alert.Topic, alert.Title, alert.Body); err != nil {
		PushFailures.Inc()
		errutil.LogError(d.logger, "push notification failed", err,
			"alert_id", alert.ID,
			"topic", alert.Topic)
	}
}

// Wait blocks until every in-flight push attempt has finished.
func (d *AlertDispatcher) Wait() {
	d.wg.Wait()
}
