// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package client is a WebSocket client for the CityPulse gateway.
//
// A Client performs the hello handshake, exposes one method per client event
// and delivers server events to a Handler. Run must be called promptly after
// Dial: it reads the connection, which also answers the server's pings.
package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/protocol"
	"github.com/citypulse/citypulse/pkg/errutil"
	"github.com/citypulse/citypulse/pkg/escalation"
)

// Error codes.
const (
	CodeHandshakeRejected = "HANDSHAKE_REJECTED"
	CodeNotConnected      = "CLIENT_NOT_CONNECTED"
	CodeClosed            = "CLIENT_CLOSED"
)

// Reconnect defaults.
const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 200 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
)

// Handler receives every server event after the handshake, in order.
type Handler func(core.Event)

// Option configures a Client.
type Option func(*Client)

// WithInitialRoom asks the server to join roomID during the handshake.
func WithInitialRoom(roomID string) Option {
	return func(c *Client) { c.initialRoom = roomID }
}

// WithHandler sets the event handler. A nil handler is ignored.
func WithHandler(h Handler) Option {
	return func(c *Client) {
		if h != nil {
			c.handler = h
		}
	}
}

// WithReconnect controls automatic reconnection in Run. maxRetries bounds
// the dial attempts for each reconnection; zero disables reconnecting.
func WithReconnect(maxRetries uint64, base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// WithDialOptions sets options passed to websocket.Dial.
func WithDialOptions(opts *websocket.DialOptions) Option {
	return func(c *Client) { c.dialOpts = opts }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a connection to a gateway. Its methods are safe for concurrent use.
type Client struct {
	url         string
	displayName string
	initialRoom string
	handler     Handler
	dialOpts    *websocket.DialOptions
	maxRetries  uint64
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	welcome core.Welcome
	rooms   map[string]struct{}
	closed  bool
}

// Dial connects to the gateway at url and completes the handshake. Transport
// failures are retried with exponential backoff; a rejected handshake is not.
func Dial(ctx context.Context, url, displayName string, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		displayName: displayName,
		handler:     func(core.Event) {},
		maxRetries:  DefaultMaxRetries,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		logger:      slog.Default(),
		rooms:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.baseDelay)
	b = retry.WithJitterPercent(10, b)
	b = retry.WithCappedDuration(c.maxDelay, b)
	return retry.WithMaxRetries(c.maxRetries, b)
}

func (c *Client) connect(ctx context.Context) error {
	return retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		err := c.dialOnce(ctx)
		if err == nil {
			return nil
		}
		if errutil.Code(err) == CodeHandshakeRejected {
			return err
		}
		c.logger.Warn("gateway connect failed", "url", c.url, "error", err)
		return retry.RetryableError(err)
	})
}

func (c *Client) dialOnce(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.url, c.dialOpts)
	if err != nil {
		return oops.With("url", c.url).Wrapf(err, "dial gateway")
	}
	if err := wsjson.Write(ctx, ws, protocol.NewHello(c.displayName, c.initialRoom)); err != nil {
		_ = ws.CloseNow()
		return oops.Wrapf(err, "send hello")
	}
	_, data, err := ws.Read(ctx)
	if err != nil {
		_ = ws.CloseNow()
		return oops.Wrapf(err, "read welcome")
	}
	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		_ = ws.CloseNow()
		return oops.Wrapf(err, "decode welcome")
	}

	switch e := ev.(type) {
	case core.Welcome:
		c.mu.Lock()
		c.conn = ws
		c.welcome = e
		c.mu.Unlock()
		c.handler(e)
		return nil
	case core.ErrorEvent:
		_ = ws.CloseNow()
		return oops.Code(CodeHandshakeRejected).
			With("server_code", e.Code).
			Errorf("handshake rejected: %s", e.Message)
	default:
		_ = ws.CloseNow()
		return oops.Errorf("unexpected %s before welcome", ev.Kind())
	}
}

// Welcome returns the welcome of the current connection.
func (c *Client) Welcome() core.Welcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome
}

// Rooms returns the rooms joined through this client, excluding the
// initial room.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

func (c *Client) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, oops.Code(CodeClosed).Errorf("client closed")
	}
	if c.conn == nil {
		return nil, oops.Code(CodeNotConnected).Errorf("not connected")
	}
	return c.conn, nil
}

func (c *Client) send(ctx context.Context, ev protocol.ClientEvent) error {
	ws, err := c.current()
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeClientEvent(ev)
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, websocket.MessageText, frame); err != nil {
		return oops.With("event", string(ev.ClientKind())).Wrapf(err, "write event")
	}
	return nil
}

// Join asks to enter a room. Joined rooms are rejoined after a reconnect.
func (c *Client) Join(ctx context.Context, roomID string) error {
	if err := c.send(ctx, protocol.Join{RoomID: roomID}); err != nil {
		return err
	}
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Leave asks to exit a room.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	if err := c.send(ctx, protocol.Leave{RoomID: roomID}); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	return nil
}

// Publish posts body to a room.
func (c *Client) Publish(ctx context.Context, roomID, body string) error {
	return c.send(ctx, protocol.Publish{RoomID: roomID, Body: body})
}

// RequestHistory asks for the last limit messages of a room. The reply
// arrives as a HistoryReplay event.
func (c *Client) RequestHistory(ctx context.Context, roomID string, limit int) error {
	return c.send(ctx, protocol.RequestHistory{RoomID: roomID, Limit: limit})
}

// SendAlert raises an emergency alert.
func (c *Client) SendAlert(ctx context.Context, title, body string) error {
	return c.send(ctx, protocol.SendAlert{Title: title, Body: body})
}

// Alerter adapts the client to an escalation session. Send failures are
// logged.
func (c *Client) Alerter() escalation.Alerter {
	return escalation.AlerterFunc(func(ctx context.Context, title, body string) {
		if err := c.SendAlert(ctx, title, body); err != nil {
			c.logger.Error("failed to send escalation alert", "error", err)
		}
	})
}

// Run reads server events until ctx is cancelled or Close is called. When
// the connection drops it reconnects and rejoins the rooms joined through
// this client. It returns the error that ended the session, or nil.
func (c *Client) Run(ctx context.Context) error {
	for {
		ws, err := c.current()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return nil
			}
			return err
		}

		err = c.readLoop(ctx, ws)
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		c.logger.Warn("gateway connection lost", "error", err)
		_ = ws.CloseNow()
		if c.maxRetries == 0 {
			return oops.Wrapf(err, "connection lost")
		}
		if err := c.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return oops.Wrapf(err, "reconnect")
		}
		c.rejoin(ctx)
	}
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		c.handler(ev)
	}
}

func (c *Client) rejoin(ctx context.Context) {
	for _, roomID := range c.Rooms() {
		if roomID == c.initialRoom {
			continue
		}
		if err := c.send(ctx, protocol.Join{RoomID: roomID}); err != nil {
			c.logger.Warn("rejoin failed", "room_id", roomID, "error", err)
		}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close ends the session with a normal closure. It is safe to call more than
// once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.conn
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	err := ws.Close(websocket.StatusNormalClosure, "bye")
	if err != nil && websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
		return oops.Wrapf(err, "close connection")
	}
	return nil
}
