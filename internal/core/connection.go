// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import (
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
)

// Handshake is the validated first frame of a connection.
type Handshake struct {
	DisplayName   string
	InitialRoomID string
}

// Sink receives events destined for one connection.
// Deliver must not block; it reports false when the event was dropped.
type Sink interface {
	Deliver(ev Event) bool
}

// Connection is a live client registered with the hub.
type Connection struct {
	ID          ulid.ULID
	DisplayName string
	ConnectedAt time.Time

	sink Sink

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func newConnection(hs Handshake, sink Sink, now time.Time) *Connection {
	return &Connection{
		ID:          NewULID(),
		DisplayName: hs.DisplayName,
		ConnectedAt: now,
		sink:        sink,
		rooms:       make(map[string]struct{}),
	}
}

// Rooms returns the ids of the rooms the connection belongs to, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := lo.Keys(c.rooms)
	slices.Sort(rooms)
	return rooms
}

// Closed reports whether the connection has been disconnected.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// attach records membership. Callers hold the room lock.
func (c *Connection) attach(roomID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrConnectionClosed(c.ID)
	}
	if _, ok := c.rooms[roomID]; ok {
		return false, nil
	}
	c.rooms[roomID] = struct{}{}
	return true, nil
}

// detach removes membership. Callers hold the room lock.
func (c *Connection) detach(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// close marks the connection closed and returns the rooms it still belonged
// to. Only the first call returns rooms.
func (c *Connection) close() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	rooms := lo.Keys(c.rooms)
	clear(c.rooms)
	return rooms
}

// Outbox is a bounded per-connection event queue drained by a single writer.
type Outbox struct {
	ch   chan Event
	done chan struct{}
	once sync.Once
}

// NewOutbox creates an outbox holding up to size pending events.
func NewOutbox(size int) *Outbox {
	if size < 1 {
		size = 1
	}
	return &Outbox{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Deliver enqueues ev without blocking.
func (o *Outbox) Deliver(ev Event) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.ch <- ev:
		return true
	default:
		return false
	}
}

// Events returns the queue the writer drains.
func (o *Outbox) Events() <-chan Event {
	return o.ch
}

// Done is closed once the outbox stops accepting events.
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close stops the outbox. Safe to call more than once.
func (o *Outbox) Close() {
	o.once.Do(func() { close(o.done) })
}
