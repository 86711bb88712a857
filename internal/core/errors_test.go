// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/citypulse/citypulse/pkg/errutil"
)

func TestErrorConstructors(t *testing.T) {
	id := NewULID()
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"invalid handshake", ErrInvalidHandshake("bad"), CodeInvalidHandshake},
		{"room not found", ErrRoomNotFound("evt-1"), CodeRoomNotFound},
		{"room not allowed", ErrRoomNotAllowed("x"), CodeRoomNotAllowed},
		{"invalid room id", ErrInvalidRoomID("a b"), CodeInvalidRoomID},
		{"invalid message", ErrInvalidMessage("empty"), CodeInvalidMessage},
		{"connection not found", ErrConnectionNotFound(id), CodeConnectionNotFound},
		{"connection closed", ErrConnectionClosed(id), CodeConnectionClosed},
		{"unknown event", ErrUnknownEvent("dance"), CodeUnknownEvent},
		{"malformed frame", ErrMalformedFrame(errors.New("eof")), CodeMalformedFrame},
		{"malformed frame without cause", ErrMalformedFrame(nil), CodeMalformedFrame},
		{"invalid limit", ErrInvalidLimit(-1), CodeInvalidLimit},
		{"rate limited", ErrRateLimited("publish", 500*time.Millisecond), CodeRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errutil.AssertErrorCode(t, tt.err, tt.code)
			assert.Equal(t, tt.code, ErrorCode(tt.err))
			assert.NotEqual(t, "Something went wrong. Try again.", ClientMessage(tt.err))
		})
	}
	errutil.AssertErrorContext(t, ErrRoomNotFound("evt-1"), "room_id", "evt-1")
	errutil.AssertErrorContext(t, ErrRateLimited("publish", 500*time.Millisecond), "retry_after_ms", int64(500))
}

func TestClientMessage(t *testing.T) {
	assert.Equal(t, "Handshake rejected: display name is required",
		ClientMessage(ErrInvalidHandshake("display name is required")))
	assert.Equal(t, "Message rejected: message is empty", ClientMessage(ErrInvalidMessage("message is empty")))
	assert.Equal(t, "That room does not exist yet.", ClientMessage(ErrRoomNotFound("evt-1")))
	assert.Equal(t, "Something went wrong. Try again.", ClientMessage(nil))
	assert.Equal(t, "Something went wrong. Try again.", ClientMessage(errors.New("plain")))
}

func TestNewErrorEvent(t *testing.T) {
	ev := NewErrorEvent(ErrRoomNotFound("evt-1"), "evt-1")
	assert.Equal(t, ErrorEvent{Code: CodeRoomNotFound, Message: "That room does not exist yet.", RoomID: "evt-1"}, ev)
	assert.Equal(t, KindError, ev.Kind())

	internal := NewErrorEvent(errors.New("boom"), "")
	assert.Equal(t, "INTERNAL", internal.Code)
}
