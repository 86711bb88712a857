// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"bufio"
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/citypulse/citypulse/pkg/client"
	"github.com/citypulse/citypulse/pkg/escalation"
)

type checkinConfig struct {
	url       string
	name      string
	attempts  int
	countdown int
	unit      time.Duration
}

// NewCheckinCmd creates the checkin subcommand.
func NewCheckinCmd() *cobra.Command {
	return newCheckinCmdWithDeps(nil)
}

func newCheckinCmdWithDeps(deps *CheckinDeps) *cobra.Command {
	if deps == nil {
		deps = &CheckinDeps{}
	}
	if deps.Dialer == nil {
		deps.Dialer = func(ctx context.Context, url, name string, opts ...client.Option) (CheckinClient, error) {
			return client.Dial(ctx, url, name, opts...)
		}
	}
	if deps.Scheduler == nil {
		deps.Scheduler = escalation.SystemScheduler()
	}
	cfg := &checkinConfig{}

	cmd := &cobra.Command{
		Use:   "checkin",
		Short: "Run a safety check that raises an SOS if unanswered",
		Long: `Connect to a gateway and ask for confirmation. Press Enter to confirm.
If no confirmation arrives within every countdown, an emergency alert is
sent to all connected clients.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheckin(cmd.Context(), cmd, cfg, deps)
		},
	}

	cmd.Flags().StringVar(&cfg.url, "url", "ws://127.0.0.1:5001/ws", "gateway WebSocket URL")
	cmd.Flags().StringVar(&cfg.name, "name", "", "display name (required)")
	cmd.Flags().IntVar(&cfg.attempts, "attempts", escalation.DefaultMaxAttempts, "confirmation attempts before escalating")
	cmd.Flags().IntVar(&cfg.countdown, "countdown", escalation.DefaultCountdownUnits, "units per attempt")
	cmd.Flags().DurationVar(&cfg.unit, "unit", escalation.DefaultUnit, "length of one countdown unit")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func runCheckin(ctx context.Context, cmd *cobra.Command, cfg *checkinConfig, deps *CheckinDeps) error {
	if cfg.attempts < 1 || cfg.countdown < 1 || cfg.unit <= 0 {
		return oops.Code("INVALID_CHECKIN").
			With("attempts", cfg.attempts).
			With("countdown", cfg.countdown).
			Errorf("attempts, countdown and unit must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c, err := deps.Dialer(ctx, cfg.url, cfg.name, client.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := c.Run(ctx); err != nil {
			slog.Warn("gateway session ended", "error", err)
		}
	}()

	session := escalation.NewSession(c.Alerter(),
		escalation.WithScheduler(deps.Scheduler),
		escalation.WithMaxAttempts(cfg.attempts),
		escalation.WithCountdown(cfg.countdown, cfg.unit),
		escalation.WithAlert(escalation.DefaultTitle, cfg.name+" did not answer a safety check."),
		escalation.OnTransition(func(tr escalation.Transition) {
			if tr.To == escalation.AwaitingConfirmation {
				cmd.Printf("Are you OK? Press Enter to confirm (attempt %d/%d)\n", tr.Attempt, cfg.attempts)
			}
		}),
		escalation.OnTick(func(t escalation.Tick) {
			if t.Remaining > 0 {
				cmd.Printf("  %d...\n", t.Remaining)
			}
		}),
	)

	if err := session.Start(ctx); err != nil {
		return err
	}

	go func() {
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			session.Confirm()
		}
	}()

	select {
	case <-session.Done():
	case <-ctx.Done():
		return nil
	}

	switch session.State() {
	case escalation.Confirmed:
		cmd.Println("Confirmed. Stay safe.")
	case escalation.Escalated:
		cmd.Println("No response. Emergency alert sent.")
	}

	cancel()
	_ = c.Close()
	<-runDone
	return nil
}
