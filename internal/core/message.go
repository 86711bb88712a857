// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Message is one entry in a room's ordered stream.
// Seq is assigned by the hub and is gapless within RoomID.
type Message struct {
	ID         ulid.ULID `json:"id"`
	RoomID     string    `json:"roomId"`
	Seq        uint64    `json:"seq"`
	SenderID   ulid.ULID `json:"senderId"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// Alert is a system-wide emergency notification. Alerts are never stored in
// a room log.
type Alert struct {
	ID        ulid.ULID `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Topic     string    `json:"topic"`
	OriginID  ulid.ULID `json:"originId"`
	Timestamp time.Time `json:"timestamp"`
}

// Member describes one connection inside a room.
type Member struct {
	ConnectionID ulid.ULID `json:"connectionId"`
	DisplayName  string    `json:"displayName"`
}

// RoomInfo summarizes a room.
type RoomInfo struct {
	ID      string `json:"id"`
	Count   int    `json:"count"`
	LastSeq uint64 `json:"lastSeq"`
}
