// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package telnet

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/citypulse/citypulse/internal/core"
)

func TestRender(t *testing.T) {
	msg := core.Message{RoomID: "evt-2", Seq: 4, SenderName: "Ana", Body: "on my way"}

	tests := []struct {
		name string
		ev   core.Event
		want []string
	}{
		{"welcome", core.Welcome{DisplayName: "Ana"}, []string{"Connected as Ana."}},
		{"presence", core.PresenceUpdate{RoomID: "forum", Count: 3}, []string{"[forum] 3 online"}},
		{"message", core.MessageDelivered{Message: msg}, []string{"[evt-2 #4] Ana: on my way"}},
		{"empty history", core.HistoryReplay{RoomID: "evt-2"}, []string{"--- evt-2: 0 messages ---", "--- end of history ---"}},
		{"history", core.HistoryReplay{RoomID: "evt-2", Messages: []core.Message{msg}}, []string{
			"--- evt-2: 1 messages ---", "[evt-2 #4] Ana: on my way", "--- end of history ---",
		}},
		{"alert", core.AlertDelivered{Alert: core.Alert{Title: "Flood", Body: "Stay indoors"}}, []string{"*** Flood Stay indoors ***"}},
		{"joined", core.MemberJoined{RoomID: "forum", DisplayName: "Ben"}, []string{"[forum] Ben joined"}},
		{"left", core.MemberLeft{RoomID: "forum", DisplayName: "Ben"}, []string{"[forum] Ben left"}},
		{"error", core.ErrorEvent{Code: core.CodeRoomNotFound, Message: "That room does not exist yet."}, []string{"Error: That room does not exist yet."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, render(tt.ev))
		})
	}
}

func TestRender_CoversEveryEventKind(t *testing.T) {
	samples := []core.Event{
		core.Welcome{}, core.PresenceUpdate{}, core.MessageDelivered{}, core.HistoryReplay{},
		core.AlertDelivered{}, core.MemberJoined{}, core.MemberLeft{}, core.ErrorEvent{},
	}
	covered := map[core.EventKind]bool{}
	for _, ev := range samples {
		lines := render(ev)
		assert.NotEmpty(t, lines)
		assert.NotContains(t, lines[0], "<event:")
		covered[ev.Kind()] = true
	}
	for _, kind := range core.EventKinds() {
		assert.True(t, covered[kind], "no rendering sample for %s", kind)
	}
}
