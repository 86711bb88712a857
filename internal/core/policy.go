// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import (
	"unicode/utf8"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// MaxRoomIDLength bounds room id length in bytes.
const MaxRoomIDLength = 64

// RoomPolicy decides which room ids clients may create and join.
// An empty policy allows every well-formed id.
type RoomPolicy struct {
	patterns []string
	globs    []glob.Glob
}

// NewRoomPolicy compiles glob patterns such as "evt-*".
func NewRoomPolicy(patterns ...string) (*RoomPolicy, error) {
	p := &RoomPolicy{patterns: patterns}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, oops.With("pattern", pattern).Wrapf(err, "compile room pattern")
		}
		p.globs = append(p.globs, g)
	}
	return p, nil
}

// Allows reports whether roomID matches at least one pattern.
func (p *RoomPolicy) Allows(roomID string) bool {
	if p == nil || len(p.globs) == 0 {
		return true
	}
	for _, g := range p.globs {
		if g.Match(roomID) {
			return true
		}
	}
	return false
}

// Patterns returns the configured patterns.
func (p *RoomPolicy) Patterns() []string {
	if p == nil {
		return nil
	}
	return append([]string(nil), p.patterns...)
}

// ValidateRoomID checks room id syntax: 1..64 bytes of letters, digits,
// '-', '_', '.' or ':'.
func ValidateRoomID(roomID string) error {
	if roomID == "" || len(roomID) > MaxRoomIDLength || !utf8.ValidString(roomID) {
		return ErrInvalidRoomID(roomID)
	}
	for _, r := range roomID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ErrInvalidRoomID(roomID)
		}
	}
	return nil
}
