// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package push

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/samber/oops"
)

// Webhook posts FCM-style topic messages to an HTTP endpoint.
type Webhook struct {
	endpoint string
	token    string
	client   *http.Client
}

type webhookPayload struct {
	Message webhookMessage `json:"message"`
}

type webhookMessage struct {
	Topic        string              `json:"topic"`
	Notification webhookNotification `json:"notification"`
}

type webhookNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NewWebhook creates a webhook provider. A nil client gets one with timeout.
func NewWebhook(endpoint, token string, timeout time.Duration, client *http.Client) (*Webhook, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, oops.Code("INVALID_WEBHOOK_URL").
			With("url", endpoint).
			Errorf("webhook url must be an absolute http(s) url")
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &Webhook{endpoint: u.String(), token: token, client: client}, nil
}

// SendToTopic posts the notification. Any non-2xx response is an error.
func (w *Webhook) SendToTopic(ctx context.Context, topic, title, body string) error {
	payload, err := json.Marshal(webhookPayload{
		Message: webhookMessage{
			Topic:        topic,
			Notification: webhookNotification{Title: title, Body: body},
		},
	})
	if err != nil {
		return oops.With("topic", topic).Wrapf(err, "encode push payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return oops.With("topic", topic).Wrapf(err, "build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return oops.Code("PUSH_UNAVAILABLE").With("topic", topic).Wrapf(err, "send push request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return oops.Code("PUSH_REJECTED").
			With("topic", topic).
			With("status", resp.StatusCode).
			Errorf("push provider returned %s", resp.Status)
	}
	return nil
}
