// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package core contains the presence, room and broadcast engine.
package core

import "github.com/oklog/ulid/v2"

// EventKind names a server-to-client event.
type EventKind string

// Server event kinds.
const (
	KindWelcome          EventKind = "welcome"
	KindPresenceUpdate   EventKind = "presenceUpdate"
	KindMessageDelivered EventKind = "messageDelivered"
	KindHistoryReplay    EventKind = "historyReplay"
	KindAlertDelivered   EventKind = "alertDelivered"
	KindMemberJoined     EventKind = "memberJoined"
	KindMemberLeft       EventKind = "memberLeft"
	KindError            EventKind = "error"
)

// EventKinds lists every server event kind.
func EventKinds() []EventKind {
	return []EventKind{
		KindWelcome,
		KindPresenceUpdate,
		KindMessageDelivered,
		KindHistoryReplay,
		KindAlertDelivered,
		KindMemberJoined,
		KindMemberLeft,
		KindError,
	}
}

// Event is a server-to-client event. The set of implementations is closed.
type Event interface {
	Kind() EventKind
	isEvent()
}

// Welcome acknowledges an accepted handshake.
type Welcome struct {
	ConnectionID ulid.ULID `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
}

// PresenceUpdate carries the live member count of a room.
type PresenceUpdate struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// MessageDelivered carries one published message.
type MessageDelivered struct {
	Message Message `json:"message"`
}

// HistoryReplay answers a history request.
type HistoryReplay struct {
	RoomID   string    `json:"roomId"`
	Messages []Message `json:"messages"`
}

// AlertDelivered carries an alert to every connection.
type AlertDelivered struct {
	Alert Alert `json:"alert"`
}

// MemberJoined tells existing members that someone entered the room.
type MemberJoined struct {
	RoomID       string    `json:"roomId"`
	ConnectionID ulid.ULID `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
}

// MemberLeft tells remaining members that someone left the room.
type MemberLeft struct {
	RoomID       string    `json:"roomId"`
	ConnectionID ulid.ULID `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
}

// ErrorEvent reports a failed request to the connection that made it.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

// NewErrorEvent builds the error frame for err.
func NewErrorEvent(err error, roomID string) ErrorEvent {
	code := ErrorCode(err)
	if code == "" {
		code = "INTERNAL"
	}
	return ErrorEvent{Code: code, Message: ClientMessage(err), RoomID: roomID}
}

func (Welcome) Kind() EventKind          { return KindWelcome }
func (PresenceUpdate) Kind() EventKind   { return KindPresenceUpdate }
func (MessageDelivered) Kind() EventKind { return KindMessageDelivered }
func (HistoryReplay) Kind() EventKind    { return KindHistoryReplay }
func (AlertDelivered) Kind() EventKind   { return KindAlertDelivered }
func (MemberJoined) Kind() EventKind     { return KindMemberJoined }
func (MemberLeft) Kind() EventKind       { return KindMemberLeft }
func (ErrorEvent) Kind() EventKind       { return KindError }

func (Welcome) isEvent()          {}
func (PresenceUpdate) isEvent()   {}
func (MessageDelivered) isEvent() {}
func (HistoryReplay) isEvent()    {}
func (AlertDelivered) isEvent()   {}
func (MemberJoined) isEvent()     {}
func (MemberLeft) isEvent()       {}
func (ErrorEvent) isEvent()       {}
