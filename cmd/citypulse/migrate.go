// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"fmt"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/citypulse/citypulse/internal/store"
)

// NewMigrateCmd creates the migrate command group.
func NewMigrateCmd() *cobra.Command {
	return newMigrateCmdWithDeps(nil)
}

func newMigrateCmdWithDeps(deps *MigrateDeps) *cobra.Command {
	if deps == nil {
		deps = &MigrateDeps{}
	}
	if deps.DatabaseURLGetter == nil {
		deps.DatabaseURLGetter = databaseURL
	}
	if deps.MigratorFactory == nil {
		deps.MigratorFactory = func(url string) (Migrator, error) {
			return store.NewMigrator(url)
		}
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the archive database schema",
		Long:  `Apply, roll back or inspect the archive schema migrations.`,
	}

	var all bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(deps, func(m Migrator) error {
				if all {
					cmd.Println("Rolling back all migrations...")
					if err := m.Down(); err != nil {
						return oops.Code("MIGRATION_FAILED").With("operation", "roll back all").Wrap(err)
					}
				} else {
					cmd.Println("Rolling back one migration...")
					if err := m.Steps(-1); err != nil {
						return oops.Code("MIGRATION_FAILED").With("operation", "roll back").Wrap(err)
					}
				}
				cmd.Println("Rollback completed successfully")
				return nil
			})
		},
	}
	down.Flags().BoolVar(&all, "all", false, "roll back every migration")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(deps, func(m Migrator) error {
					cmd.Println("Running migrations...")
					if err := m.Up(); err != nil {
						return oops.Code("MIGRATION_FAILED").With("operation", "run migrations").Wrap(err)
					}
					cmd.Println("Migrations completed successfully")
					return nil
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "version",
			Short: "Show the current schema version and pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(deps, func(m Migrator) error {
					status, err := m.Status()
					if err != nil {
						return oops.Code("MIGRATION_FAILED").With("operation", "read status").Wrap(err)
					}
					cmd.Println(formatMigrationStatus(status))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Set the schema version without running migrations",
			Long:  `Mark the schema as being at version and clear the dirty flag. Use after fixing a failed migration by hand.`,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := parseForceVersion(args[0])
				if err != nil {
					return err
				}
				return withMigrator(deps, func(m Migrator) error {
					if err := m.Force(version); err != nil {
						return oops.Code("MIGRATION_FAILED").With("operation", "force version").Wrap(err)
					}
					cmd.Printf("Forced schema version to %d\n", version)
					return nil
				})
			},
		},
	)
	return cmd
}

func withMigrator(deps *MigrateDeps, fn func(Migrator) error) error {
	url, err := deps.DatabaseURLGetter()
	if err != nil {
		return err
	}
	if url == "" {
		return oops.Code("CONFIG_INVALID").Errorf("DATABASE_URL environment variable is required")
	}
	m, err := deps.MigratorFactory(url)
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").With("operation", "open migrator").Wrap(err)
	}
	defer func() { _ = m.Close() }()
	return fn(m)
}

// parseForceVersion reads a leading integer from s.
func parseForceVersion(s string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(s, "%d", &version); err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("invalid version %q", s)
	}
	return version, nil
}

func formatMigrationStatus(st store.MigrationStatus) string {
	var b strings.Builder
	if st.Version == 0 {
		b.WriteString("Version: none")
	} else {
		name, err := store.MigrationName(st.Version)
		if err != nil || name == "" {
			name = fmt.Sprint(st.Version)
		}
		fmt.Fprintf(&b, "Version: %s", name)
	}
	if st.Dirty {
		b.WriteString(" (dirty)")
	}
	fmt.Fprintf(&b, "\nApplied: %d\nPending: %d", len(st.Applied), len(st.Pending))
	for _, v := range st.Pending {
		fmt.Fprintf(&b, "\n  - %d", v)
	}
	return b.String()
}
