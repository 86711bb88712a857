// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/citypulse/citypulse/internal/core"
)

type historyConfig struct {
	limit  int
	alerts bool
}

// NewHistoryCmd creates the history subcommand.
func NewHistoryCmd() *cobra.Command {
	return newHistoryCmdWithDeps(nil)
}

func newHistoryCmdWithDeps(deps *HistoryDeps) *cobra.Command {
	if deps == nil {
		deps = &HistoryDeps{}
	}
	if deps.DatabaseURLGetter == nil {
		deps.DatabaseURLGetter = databaseURL
	}
	if deps.ArchiveFactory == nil {
		deps.ArchiveFactory = openArchive
	}
	cfg := &historyConfig{}

	cmd := &cobra.Command{
		Use:   "history [room]",
		Short: "Print archived messages or alerts",
		Long: `Print the most recent archived messages of a room, oldest first.
With --alerts, print the most recent archived alerts instead.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if cfg.alerts {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), cmd, cfg, deps, args)
		},
	}

	cmd.Flags().IntVarP(&cfg.limit, "limit", "n", 20, "number of entries")
	cmd.Flags().BoolVar(&cfg.alerts, "alerts", false, "print alerts instead of room messages")

	return cmd
}

func runHistory(ctx context.Context, cmd *cobra.Command, cfg *historyConfig, deps *HistoryDeps, args []string) error {
	if cfg.limit <= 0 {
		return oops.Code("INVALID_LIMIT").With("limit", cfg.limit).Errorf("limit must be positive")
	}
	url, err := deps.DatabaseURLGetter()
	if err != nil {
		return err
	}
	if url == "" {
		return oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL environment variable is required")
	}

	archive, closeArchive, err := deps.ArchiveFactory(ctx, url)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "open archive").Wrap(err)
	}
	defer closeArchive()

	out := cmd.OutOrStdout()
	if cfg.alerts {
		alerts, err := archive.RecentAlerts(ctx, cfg.limit)
		if err != nil {
			return err
		}
		writeAlerts(out, alerts)
		return nil
	}

	messages, err := archive.RecentMessages(ctx, args[0], cfg.limit)
	if err != nil {
		return err
	}
	writeMessages(out, args[0], messages)
	return nil
}

func writeMessages(w io.Writer, roomID string, messages []core.Message) {
	if len(messages) == 0 {
		_, _ = fmt.Fprintf(w, "No archived messages in %s.\n", roomID)
		return
	}
	for _, m := range messages {
		_, _ = fmt.Fprintf(w, "%s [%s #%d] %s: %s\n",
			m.Timestamp.UTC().Format(time.RFC3339), m.RoomID, m.Seq, m.SenderName, m.Body)
	}
}

func writeAlerts(w io.Writer, alerts []core.Alert) {
	if len(alerts) == 0 {
		_, _ = fmt.Fprintln(w, "No archived alerts.")
		return
	}
	for _, a := range alerts {
		_, _ = fmt.Fprintf(w, "%s [%s] %s %s\n",
			a.Timestamp.UTC().Format(time.RFC3339), a.Topic, a.Title, a.Body)
	}
}
