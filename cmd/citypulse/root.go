// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the CityPulse CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "citypulse",
		Short: "CityPulse - real-time presence, rooms and SOS alerts",
		Long: `CityPulse keeps one live connection per client for the city-wide
forum, event rooms with presence counts, and emergency alerts that reach
every connected client.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/citypulse/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewSchemaCmd())
	cmd.AddCommand(NewStatusCmd())
	cmd.AddCommand(NewCheckinCmd())

	return cmd
}
