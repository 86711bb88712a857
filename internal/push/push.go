// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package push sends alert notifications to an external push topic.
package push

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/samber/oops"

	"github.com/citypulse/citypulse/internal/core"
)

// Provider names accepted by New.
const (
	ProviderLog     = "log"
	ProviderWebhook = "webhook"
)

// Options configures a provider.
type Options struct {
	Provider   string
	WebhookURL string
	Token      string
	Timeout    time.Duration
	Logger     *slog.Logger
	Client     *http.Client
}

// New builds the provider named in opts.
func New(opts Options) (core.Notifier, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch opts.Provider {
	case "", ProviderLog:
		return NewLog(logger), nil
	case ProviderWebhook:
		return NewWebhook(opts.WebhookURL, opts.Token, opts.Timeout, opts.Client)
	default:
		return nil, oops.Code("UNKNOWN_PROVIDER").
			With("provider", opts.Provider).
			Errorf("unknown push provider %q", opts.Provider)
	}
}

// Log writes notifications to a logger instead of a real topic.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a logging provider.
func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

// SendToTopic logs the notification.
func (l *Log) SendToTopic(ctx context.Context, topic, title, body string) error {
	if err := ctx.Err(); err != nil {
		return oops.With("topic", topic).Wrap(err)
	}
	l.logger.InfoContext(ctx, "push notification",
		"topic", topic,
		"title", title,
		"body", body)
	return nil
}
