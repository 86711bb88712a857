// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package protocol defines the JSON frames exchanged over a connection.
// Every frame is an object whose "type" field selects its shape.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/citypulse/citypulse/internal/core"
)

// ClientKind names a client-to-server event.
type ClientKind string

// Client event kinds.
const (
	KindJoin           ClientKind = "join"
	KindLeave          ClientKind = "leave"
	KindPublish        ClientKind = "publish"
	KindRequestHistory ClientKind = "requestHistory"
	KindSendAlert      ClientKind = "sendAlert"
)

// ClientKinds lists every client event kind.
func ClientKinds() []ClientKind {
	return []ClientKind{KindJoin, KindLeave, KindPublish, KindRequestHistory, KindSendAlert}
}

// ClientEvent is a decoded client request. The set of implementations is closed.
type ClientEvent interface {
	ClientKind() ClientKind
	isClientEvent()
}

// Join asks to enter a room.
type Join struct {
	RoomID string `json:"roomId"`
}

// Leave asks to exit a room.
type Leave struct {
	RoomID string `json:"roomId"`
}

// Publish posts a message to a room.
type Publish struct {
	RoomID string `json:"roomId"`
	Body   string `json:"body"`
}

// RequestHistory asks for the most recent messages of a room.
// A zero Limit means the server default.
type RequestHistory struct {
	RoomID string `json:"roomId"`
	Limit  int    `json:"limit,omitempty"`
}

// SendAlert raises an emergency alert. Empty fields take server defaults.
type SendAlert struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

func (Join) ClientKind() ClientKind           { return KindJoin }
func (Leave) ClientKind() ClientKind          { return KindLeave }
func (Publish) ClientKind() ClientKind        { return KindPublish }
func (RequestHistory) ClientKind() ClientKind { return KindRequestHistory }
func (SendAlert) ClientKind() ClientKind      { return KindSendAlert }

func (Join) isClientEvent()           {}
func (Leave) isClientEvent()          {}
func (Publish) isClientEvent()        {}
func (RequestHistory) isClientEvent() {}
func (SendAlert) isClientEvent()      {}

type envelope struct {
	Type string `json:"type"`
}

func decodeInto[T ClientEvent](data []byte) (ClientEvent, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

var clientDecoders = map[ClientKind]func([]byte) (ClientEvent, error){
	KindJoin:           decodeInto[Join],
	KindLeave:          decodeInto[Leave],
	KindPublish:        decodeInto[Publish],
	KindRequestHistory: decodeInto[RequestHistory],
	KindSendAlert:      decodeInto[SendAlert],
}

// PeekType returns the type tag of a frame.
func PeekType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", core.ErrMalformedFrame(err)
	}
	if env.Type == "" {
		return "", core.ErrMalformedFrame(fmt.Errorf("frame has no type"))
	}
	return env.Type, nil
}

// DecodeClientEvent decodes one client frame.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	kind, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	decode, ok := clientDecoders[ClientKind(kind)]
	if !ok {
		return nil, core.ErrUnknownEvent(kind)
	}
	ev, err := decode(data)
	if err != nil {
		return nil, core.ErrMalformedFrame(err)
	}
	return ev, nil
}

// EncodeClientEvent encodes a client frame with its type tag.
func EncodeClientEvent(ev ClientEvent) ([]byte, error) {
	kind := string(ev.ClientKind())
	switch e := ev.(type) {
	case Join:
		return json.Marshal(struct {
			Type string `json:"type"`
			Join
		}{kind, e})
	case Leave:
		return json.Marshal(struct {
			Type string `json:"type"`
			Leave
		}{kind, e})
	case Publish:
		return json.Marshal(struct {
			Type string `json:"type"`
			Publish
		}{kind, e})
	case RequestHistory:
		return json.Marshal(struct {
			Type string `json:"type"`
			RequestHistory
		}{kind, e})
	case SendAlert:
		return json.Marshal(struct {
			Type string `json:"type"`
			SendAlert
		}{kind, e})
	default:
		return nil, core.ErrUnknownEvent(kind)
	}
}

// EncodeEvent encodes a server event with its type tag.
func EncodeEvent(ev core.Event) ([]byte, error) {
	kind := string(ev.Kind())
	switch e := ev.(type) {
	case core.Welcome:
		return json.Marshal(struct {
			Type string `json:"type"`
			core.Welcome
		}{kind, e})
	case core.PresenceUpdate:
		return json.Marshal(struct {
			Type string `json:"type"`
			core.PresenceUpdate
		}{kind, e})
	case core.MessageDelivered:
		return json.Marshal(struct {
			Type string `json:"type"`
			core.MessageDelivered
		}{kind, e})
	case core.HistoryReplay:
		if e.Messages == nil {
			e.Messages = []core.Message{}
		}
		return json.Marshal(struct {
			Type string `json:"type"`
			core.HistoryReplay
		}{kind, e})
	case core.AlertDelivered:
		return json.Marshal(struct {
			Type string `json:"type"`
			core.AlertDelivered
		}{kind, e})
	case core.MemberJoined:
		return json.Marshal(struct {
			Type string `json:"type"`
			core.MemberJoined
		}{kind, e})
	case core.MemberLeft:
		return json.Marshal(struct {
			Type string `json:"type"`
			core.MemberLeft
		}{kind, e})
	case core.ErrorEvent:
		return json.Marshal(struct {
			Type string `json:"type"`
			core.ErrorEvent
		}{kind, e})
	default:
		return nil, core.ErrUnknownEvent(kind)
	}
}

func decodeEvent[T core.Event](data []byte) (core.Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

var serverDecoders = map[core.EventKind]func([]byte) (core.Event, error){
	core.KindWelcome:          decodeEvent[core.Welcome],
	core.KindPresenceUpdate:   decodeEvent[core.PresenceUpdate],
	core.KindMessageDelivered: decodeEvent[core.MessageDelivered],
	core.KindHistoryReplay:    decodeEvent[core.HistoryReplay],
	core.KindAlertDelivered:   decodeEvent[core.AlertDelivered],
	core.KindMemberJoined:     decodeEvent[core.MemberJoined],
	core.KindMemberLeft:       decodeEvent[core.MemberLeft],
	core.KindError:            decodeEvent[core.ErrorEvent],
}

// DecodeEvent decodes one server frame.
func DecodeEvent(data []byte) (core.Event, error) {
	kind, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	decode, ok := serverDecoders[core.EventKind(kind)]
	if !ok {
		return nil, core.ErrUnknownEvent(kind)
	}
	ev, err := decode(data)
	if err != nil {
		return nil, core.ErrMalformedFrame(err)
	}
	return ev, nil
}
