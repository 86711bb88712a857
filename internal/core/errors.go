// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import (
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/citypulse/citypulse/pkg/errutil"
)

// Error codes surfaced to clients in error frames.
const (
	CodeInvalidHandshake   = "INVALID_HANDSHAKE"
	CodeRoomNotFound       = "ROOM_NOT_FOUND"
	CodeRoomNotAllowed     = "ROOM_NOT_ALLOWED"
	CodeInvalidRoomID      = "INVALID_ROOM_ID"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeConnectionNotFound = "CONNECTION_NOT_FOUND"
	CodeConnectionClosed   = "CONNECTION_CLOSED"
	CodeUnknownEvent       = "UNKNOWN_EVENT"
	CodeMalformedFrame     = "MALFORMED_FRAME"
	CodeRateLimited        = "RATE_LIMITED"
	CodeInvalidLimit       = "INVALID_LIMIT"
)

// ErrInvalidHandshake creates an error for a rejected handshake.
func ErrInvalidHandshake(reason string) error {
	return oops.Code(CodeInvalidHandshake).
		With("reason", reason).
		Errorf("invalid handshake: %s", reason)
}

// ErrRoomNotFound creates an error for a room that has never been joined.
func ErrRoomNotFound(roomID string) error {
	return oops.Code(CodeRoomNotFound).
		With("room_id", roomID).
		Errorf("room not found: %s", roomID)
}

// ErrRoomNotAllowed creates an error for a room id rejected by the room policy.
func ErrRoomNotAllowed(roomID string) error {
	return oops.Code(CodeRoomNotAllowed).
		With("room_id", roomID).
		Errorf("room not allowed: %s", roomID)
}

// ErrInvalidRoomID creates an error for a syntactically invalid room id.
func ErrInvalidRoomID(roomID string) error {
	return oops.Code(CodeInvalidRoomID).
		With("room_id", roomID).
		Errorf("invalid room id %q", roomID)
}

// ErrInvalidMessage creates an error for a message body that cannot be published.
func ErrInvalidMessage(reason string) error {
	return oops.Code(CodeInvalidMessage).
		With("reason", reason).
		Errorf("invalid message: %s", reason)
}

// ErrConnectionNotFound creates an error for an unknown connection id.
func ErrConnectionNotFound(id ulid.ULID) error {
	return oops.Code(CodeConnectionNotFound).
		With("conn_id", id.String()).
		Errorf("connection not found: %s", id)
}

// ErrConnectionClosed creates an error for an operation on a disconnected connection.
func ErrConnectionClosed(id ulid.ULID) error {
	return oops.Code(CodeConnectionClosed).
		With("conn_id", id.String()).
		Errorf("connection closed: %s", id)
}

// ErrUnknownEvent creates an error for a client event kind with no handler.
func ErrUnknownEvent(kind string) error {
	return oops.Code(CodeUnknownEvent).
		With("kind", kind).
		Errorf("unknown event: %s", kind)
}

// ErrMalformedFrame wraps a frame decoding failure.
func ErrMalformedFrame(cause error) error {
	builder := oops.Code(CodeMalformedFrame)
	if cause != nil {
		return builder.Wrap(cause)
	}
	return builder.Errorf("malformed frame")
}

// ErrRateLimited creates an error for an event refused by the rate limiter.
func ErrRateLimited(kind string, retryAfter time.Duration) error {
	return oops.Code(CodeRateLimited).
		With("kind", kind).
		With("retry_after_ms", retryAfter.Milliseconds()).
		Errorf("rate limited: %s", kind)
}

// ErrInvalidLimit creates an error for a negative history limit.
func ErrInvalidLimit(limit int) error {
	return oops.Code(CodeInvalidLimit).
		With("limit", limit).
		Errorf("history limit must not be negative: %d", limit)
}

// ErrorCode returns the oops code carried by err, or "" when it has none.
func ErrorCode(err error) string {
	return errutil.Code(err)
}

// ClientMessage extracts a client-facing message from an error.
func ClientMessage(err error) string {
	if err == nil {
		return "Something went wrong. Try again."
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return "Something went wrong. Try again."
	}

	switch oopsErr.Code() {
	case CodeInvalidHandshake:
		if reason, ok := oopsErr.Context()["reason"].(string); ok && reason != "" {
			return "Handshake rejected: " + reason
		}
		return "Handshake rejected."
	case CodeRoomNotFound:
		return "That room does not exist yet."
	case CodeRoomNotAllowed:
		return "You can't join that room."
	case CodeInvalidRoomID:
		return "Invalid room name."
	case CodeInvalidMessage:
		if reason, ok := oopsErr.Context()["reason"].(string); ok && reason != "" {
			return "Message rejected: " + reason
		}
		return "Message rejected."
	case CodeConnectionNotFound, CodeConnectionClosed:
		return "You are no longer connected."
	case CodeUnknownEvent:
		return "Unknown request."
	case CodeInvalidLimit:
		return "History limit must not be negative."
	case CodeRateLimited:
		return "Slow down. Try again in a moment."
	case CodeMalformedFrame:
		return "Malformed request."
	default:
		return "Something went wrong. Try again."
	}
}
