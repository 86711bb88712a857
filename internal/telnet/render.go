// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package telnet

import (
	"fmt"

	"github.com/citypulse/citypulse/internal/core"
)

// render formats a server event as terminal lines.
func render(ev core.Event) []string {
	switch e := ev.(type) {
	case core.Welcome:
		return []string{fmt.Sprintf("Connected as %s.", e.DisplayName)}
	case core.PresenceUpdate:
		return []string{fmt.Sprintf("[%s] %d online", e.RoomID, e.Count)}
	case core.MessageDelivered:
		return []string{formatMessage(e.Message)}
	case core.HistoryReplay:
		lines := make([]string, 0, len(e.Messages)+2)
		lines = append(lines, fmt.Sprintf("--- %s: %d messages ---", e.RoomID, len(e.Messages)))
		for _, m := range e.Messages {
			lines = append(lines, formatMessage(m))
		}
		return append(lines, "--- end of history ---")
	case core.AlertDelivered:
		return []string{fmt.Sprintf("*** %s %s ***", e.Alert.Title, e.Alert.Body)}
	case core.MemberJoined:
		return []string{fmt.Sprintf("[%s] %s joined", e.RoomID, e.DisplayName)}
	case core.MemberLeft:
		return []string{fmt.Sprintf("[%s] %s left", e.RoomID, e.DisplayName)}
	case core.ErrorEvent:
		return []string{"Error: " + e.Message}
	default:
		return []string{fmt.Sprintf("<event: %s>", ev.Kind())}
	}
}

func formatMessage(m core.Message) string {
	return fmt.Sprintf("[%s #%d] %s: %s", m.RoomID, m.Seq, m.SenderName, m.Body)
}
