// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"github.com/samber/oops"
)

// Defaults applied by NewHub.
const (
	DefaultGlobalRoom      = "forum"
	DefaultHistoryCapacity = 100
	DefaultMaxBody         = 2000
	DefaultMaxDisplayName  = 64
)

// SystemSenderName is the display name of server-originated messages.
const SystemSenderName = "system"

// Archiver receives published messages and alerts for durable storage.
// Implementations must not block.
type Archiver interface {
	ArchiveMessage(msg Message)
	ArchiveAlert(alert Alert)
}

type room struct {
	id string

	mu      sync.Mutex
	members map[ulid.ULID]*Connection
	seq     uint64
	lastTS  time.Time
	log     *ring[Message]
}

// snapshot returns the current members. Callers hold r.mu.
func (r *room) snapshot() []*Connection {
	return lo.Values(r.members)
}

// Hub is the single authority for connections, room membership, presence
// counts and per-room message sequencing.
//
// Room state (members, seq, log) is only touched under the room lock. A room
// lock may be held while taking a connection lock, never the reverse, and the
// registry lock is released before any room lock is taken.
type Hub struct {
	globalRoom      string
	historyCapacity int
	maxBody         int
	maxDisplayName  int
	policy          *RoomPolicy
	archive         Archiver
	now             func() time.Time
	logger          *slog.Logger

	mu    sync.RWMutex
	conns map[ulid.ULID]*Connection
	rooms map[string]*room
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithGlobalRoom sets the always-present room every connection joins.
func WithGlobalRoom(id string) HubOption {
	return func(h *Hub) { h.globalRoom = id }
}

// WithHistoryCapacity sets the per-room message log size.
func WithHistoryCapacity(n int) HubOption {
	return func(h *Hub) { h.historyCapacity = n }
}

// WithMaxBody bounds message bodies in runes.
func WithMaxBody(n int) HubOption {
	return func(h *Hub) { h.maxBody = n }
}

// WithMaxDisplayName bounds display names in runes.
func WithMaxDisplayName(n int) HubOption {
	return func(h *Hub) { h.maxDisplayName = n }
}

// WithRoomPolicy restricts which rooms clients may join.
func WithRoomPolicy(p *RoomPolicy) HubOption {
	return func(h *Hub) { h.policy = p }
}

// WithArchiver forwards every published message to a.
func WithArchiver(a Archiver) HubOption {
	return func(h *Hub) { h.archive = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a hub with the global room already present.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		globalRoom:      DefaultGlobalRoom,
		historyCapacity: DefaultHistoryCapacity,
		maxBody:         DefaultMaxBody,
		maxDisplayName:  DefaultMaxDisplayName,
		now:             time.Now,
		logger:          slog.Default(),
		conns:           make(map[ulid.ULID]*Connection),
		rooms:           make(map[string]*room),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.rooms[h.globalRoom] = h.newRoom(h.globalRoom)
	return h
}

// GlobalRoom returns the id of the global room.
func (h *Hub) GlobalRoom() string {
	return h.globalRoom
}

func (h *Hub) newRoom(id string) *room {
	return &room{
		id:      id,
		members: make(map[ulid.ULID]*Connection),
		log:     newRing[Message](h.historyCapacity),
	}
}

// Accept validates a handshake, registers the connection and joins it to the
// global room and, when requested, its initial room. A rejected handshake
// leaves no state behind.
func (h *Hub) Accept(ctx context.Context, hs Handshake, sink Sink) (*Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, oops.Code(CodeInvalidHandshake).Wrap(err)
	}
	if sink == nil {
		return nil, ErrInvalidHandshake("no event sink")
	}
	name, err := h.validateDisplayName(hs.DisplayName)
	if err != nil {
		return nil, err
	}
	hs.DisplayName = name
	if hs.InitialRoomID != "" {
		if err := h.checkRoom(hs.InitialRoomID); err != nil {
			return nil, ErrInvalidHandshake(ClientMessage(err))
		}
	}

	conn := newConnection(hs, sink, h.now())
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()

	ActiveConnections.Inc()
	ConnectionsAccepted.Inc()
	h.deliver(conn, Welcome{ConnectionID: conn.ID, DisplayName: conn.DisplayName})
	h.logger.Info("connection accepted", "conn_id", conn.ID, "display_name", conn.DisplayName)

	if err := h.Join(conn.ID, h.globalRoom); err != nil {
		h.Disconnect(conn.ID)
		return nil, err
	}
	if hs.InitialRoomID != "" && hs.InitialRoomID != h.globalRoom {
		if err := h.Join(conn.ID, hs.InitialRoomID); err != nil {
			h.Disconnect(conn.ID)
			return nil, err
		}
	}
	return conn, nil
}

func (h *Hub) validateDisplayName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", ErrInvalidHandshake("display name is required")
	case !utf8.ValidString(name):
		return "", ErrInvalidHandshake("display name is not valid UTF-8")
	case utf8.RuneCountInString(name) > h.maxDisplayName:
		return "", ErrInvalidHandshake("display name is too long")
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return "", ErrInvalidHandshake("display name contains control characters")
	}
	return name, nil
}

// checkRoom validates a room id against syntax and policy. The global room is
// always allowed.
func (h *Hub) checkRoom(roomID string) error {
	if roomID == h.globalRoom {
		return nil
	}
	if err := ValidateRoomID(roomID); err != nil {
		return err
	}
	if !h.policy.Allows(roomID) {
		return ErrRoomNotAllowed(roomID)
	}
	return nil
}

// Disconnect removes the connection from every room it joined, deregisters
// it and publishes a presence recount to each affected room. Disconnecting an
// unknown or already-disconnected id is a no-op.
func (h *Hub) Disconnect(id ulid.ULID) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	for _, roomID := range conn.close() {
		r := h.lookupRoom(roomID)
		if r == nil {
			continue
		}
		r.mu.Lock()
		if _, member := r.members[id]; member {
			delete(r.members, id)
			h.announceLeave(r, conn)
		}
		r.mu.Unlock()
	}

	ActiveConnections.Dec()
	h.logger.Info("connection closed", "conn_id", id)
}

// Connection returns a registered connection.
func (h *Hub) Connection(id ulid.ULID) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	return conn, ok
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) lookupRoom(roomID string) *room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[roomID]
}

func (h *Hub) roomFor(roomID string) *room {
	if r := h.lookupRoom(roomID); r != nil {
		return r
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[roomID]; ok {
		return r
	}
	r := h.newRoom(roomID)
	h.rooms[roomID] = r
	return r
}

// Join adds the connection to a room, creating the room on first use.
// Joining a room the connection already belongs to is a no-op.
func (h *Hub) Join(connID ulid.ULID, roomID string) error {
	conn, ok := h.Connection(connID)
	if !ok {
		return ErrConnectionNotFound(connID)
	}
	if err := h.checkRoom(roomID); err != nil {
		return err
	}

	r := h.roomFor(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	added, err := conn.attach(roomID)
	if err != nil || !added {
		return err
	}
	r.members[conn.ID] = conn

	members := r.snapshot()
	joined := MemberJoined{RoomID: roomID, ConnectionID: conn.ID, DisplayName: conn.DisplayName}
	for _, m := range members {
		if m.ID != conn.ID {
			h.deliver(m, joined)
		}
	}
	h.publishPresence(r, members)
	h.logger.Debug("room joined", "conn_id", conn.ID, "room_id", roomID, "count", len(members))
	return nil
}

// Leave removes the connection from a room. Leaving a room the connection is
// not a member of is a no-op.
func (h *Hub) Leave(connID ulid.ULID, roomID string) error {
	conn, ok := h.Connection(connID)
	if !ok {
		return ErrConnectionNotFound(connID)
	}
	r := h.lookupRoom(roomID)
	if r == nil {
		return ErrRoomNotFound(roomID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !conn.detach(roomID) {
		return nil
	}
	delete(r.members, conn.ID)
	h.announceLeave(r, conn)
	h.logger.Debug("room left", "conn_id", conn.ID, "room_id", roomID, "count", len(r.members))
	return nil
}

// announceLeave notifies the remaining members. Callers hold r.mu.
func (h *Hub) announceLeave(r *room, conn *Connection) {
	members := r.snapshot()
	left := MemberLeft{RoomID: r.id, ConnectionID: conn.ID, DisplayName: conn.DisplayName}
	for _, m := range members {
		h.deliver(m, left)
	}
	h.publishPresence(r, members)
}

// publishPresence sends the current count to members. Callers hold r.mu.
func (h *Hub) publishPresence(r *room, members []*Connection) {
	update := PresenceUpdate{RoomID: r.id, Count: len(members)}
	for _, m := range members {
		h.deliver(m, update)
	}
	PresenceUpdates.Inc()
}

// Count returns the number of connected members of a room. Unknown rooms
// have zero members.
func (h *Hub) Count(roomID string) int {
	r := h.lookupRoom(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Members returns the members of a room ordered by display name.
func (h *Hub) Members(roomID string) ([]Member, error) {
	r := h.lookupRoom(roomID)
	if r == nil {
		return nil, ErrRoomNotFound(roomID)
	}
	r.mu.Lock()
	members := lo.Map(r.snapshot(), func(c *Connection, _ int) Member {
		return Member{ConnectionID: c.ID, DisplayName: c.DisplayName}
	})
	r.mu.Unlock()

	slices.SortFunc(members, func(a, b Member) int {
		if c := strings.Compare(a.DisplayName, b.DisplayName); c != 0 {
			return c
		}
		return a.ConnectionID.Compare(b.ConnectionID)
	})
	return members, nil
}

// Rooms summarizes every known room ordered by id.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.RLock()
	rooms := lo.Values(h.rooms)
	h.mu.RUnlock()

	infos := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		infos = append(infos, RoomInfo{ID: r.id, Count: len(r.members), LastSeq: r.seq})
		r.mu.Unlock()
	}
	slices.SortFunc(infos, func(a, b RoomInfo) int { return strings.Compare(a.ID, b.ID) })
	return infos
}

// History returns up to limit of the most recent messages of a room, oldest
// first. The result is a copy; calling again yields a fresh snapshot.
func (h *Hub) History(roomID string, limit int) ([]Message, error) {
	r := h.lookupRoom(roomID)
	if r == nil {
		return nil, ErrRoomNotFound(roomID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.last(limit), nil
}

// Publish appends a message from a connected sender to a room and delivers it
// to exactly the members present at the instant of publish.
func (h *Hub) Publish(ctx context.Context, roomID string, senderID ulid.ULID, body string) (Message, error) {
	conn, ok := h.Connection(senderID)
	if !ok {
		return Message{}, ErrConnectionNotFound(senderID)
	}
	return h.publish(ctx, roomID, senderID, conn.DisplayName, body)
}

// PublishSystem appends a server-originated message under senderName.
func (h *Hub) PublishSystem(ctx context.Context, roomID, senderName, body string) (Message, error) {
	name := strings.TrimSpace(senderName)
	if name == "" {
		name = SystemSenderName
	}
	return h.publish(ctx, roomID, SystemID, name, body)
}

func (h *Hub) publish(ctx context.Context, roomID string, senderID ulid.ULID, senderName, body string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, oops.With("room_id", roomID).Wrap(err)
	}
	if err := h.validateBody(body); err != nil {
		return Message{}, err
	}
	r := h.lookupRoom(roomID)
	if r == nil {
		return Message{}, ErrRoomNotFound(roomID)
	}

	r.mu.Lock()
	r.seq++
	ts := h.now()
	if ts.Before(r.lastTS) {
		ts = r.lastTS
	}
	r.lastTS = ts
	msg := Message{
		ID:         NewULID(),
		RoomID:     roomID,
		Seq:        r.seq,
		SenderID:   senderID,
		SenderName: senderName,
		Body:       body,
		Timestamp:  ts,
	}
	r.log.push(msg)
	delivered := MessageDelivered{Message: msg}
	for _, m := range r.snapshot() {
		h.deliver(m, delivered)
	}
	r.mu.Unlock()

	if h.archive != nil {
		h.archive.ArchiveMessage(msg)
	}
	MessagesPublished.WithLabelValues(h.roomKind(roomID)).Inc()
	return msg, nil
}

func (h *Hub) validateBody(body string) error {
	switch {
	case strings.TrimSpace(body) == "":
		return ErrInvalidMessage("message is empty")
	case !utf8.ValidString(body):
		return ErrInvalidMessage("message is not valid UTF-8")
	case utf8.RuneCountInString(body) > h.maxBody:
		return ErrInvalidMessage("message is too long")
	}
	return nil
}

func (h *Hub) roomKind(roomID string) string {
	if roomID == h.globalRoom {
		return RoomKindGlobal
	}
	return RoomKindEvent
}

// Broadcast delivers ev to every registered connection regardless of room
// membership and returns how many accepted it.
func (h *Hub) Broadcast(ev Event) int {
	h.mu.RLock()
	conns := lo.Values(h.conns)
	h.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if h.deliver(c, ev) {
			delivered++
		}
	}
	return delivered
}

// Send delivers ev to a single connection.
func (h *Hub) Send(connID ulid.ULID, ev Event) error {
	conn, ok := h.Connection(connID)
	if !ok {
		return ErrConnectionNotFound(connID)
	}
	h.deliver(conn, ev)
	return nil
}

func (h *Hub) deliver(c *Connection, ev Event) bool {
	if c.Closed() {
		return false
	}
	if c.sink.Deliver(ev) {
		return true
	}
	DeliveriesDropped.WithLabelValues(string(ev.Kind())).Inc()
	h.logger.Warn("outbound queue full, dropping event",
		"conn_id", c.ID,
		"kind", ev.Kind())
	return false
}
