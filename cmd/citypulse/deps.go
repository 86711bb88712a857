// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"context"
	"time"

	"github.com/spf13/pflag"

	"github.com/citypulse/citypulse/internal/config"
	"github.com/citypulse/citypulse/internal/core"
	"github.com/citypulse/citypulse/internal/observability"
	"github.com/citypulse/citypulse/internal/push"
	"github.com/citypulse/citypulse/internal/store"
	"github.com/citypulse/citypulse/pkg/client"
	"github.com/citypulse/citypulse/pkg/escalation"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// ConfigLoader builds the configuration from a file path and flags.
	// Default: config.Load with the XDG and working-directory .env files
	ConfigLoader func(path string, fs *pflag.FlagSet) (*config.Config, error)

	// ArchiveFactory opens the message and alert archive.
	// Default: openArchive
	ArchiveFactory func(ctx context.Context, dsn string) (ArchiveStore, func(), error)

	// NotifierFactory creates the push provider.
	// Default: push.New
	NotifierFactory func(opts push.Options) (core.Notifier, error)

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, ready observability.ReadinessChecker, registrars ...observability.Registrar) ObservabilityServer

	// Ready is called once every listener is up.
	Ready func(ServeInfo)
}

// ServeInfo reports the bound addresses of a running server.
type ServeInfo struct {
	HTTPAddr    string
	TelnetAddr  string
	MetricsAddr string
}

// MigrateDeps contains injectable dependencies for the migrate commands.
type MigrateDeps struct {
	// DatabaseURLGetter returns the database URL.
	// Default: config.LoadSecrets
	DatabaseURLGetter func() (string, error)

	// MigratorFactory opens a migrator.
	// Default: store.NewMigrator
	MigratorFactory func(databaseURL string) (Migrator, error)
}

// HistoryDeps contains injectable dependencies for the history command.
type HistoryDeps struct {
	// DatabaseURLGetter returns the database URL.
	// Default: config.LoadSecrets
	DatabaseURLGetter func() (string, error)

	// ArchiveFactory opens the archive.
	// Default: openArchive
	ArchiveFactory func(ctx context.Context, dsn string) (ArchiveStore, func(), error)
}

// CheckinDeps contains injectable dependencies for the checkin command.
type CheckinDeps struct {
	// Dialer connects to the gateway.
	// Default: client.Dial
	Dialer func(ctx context.Context, url, displayName string, opts ...client.Option) (CheckinClient, error)

	// Scheduler drives the countdown.
	// Default: escalation.SystemScheduler
	Scheduler escalation.Scheduler
}

// ArchiveStore wraps the methods used from store.PostgresArchive.
type ArchiveStore interface {
	store.RecordSink
	RecentMessages(ctx context.Context, roomID string, limit int) ([]core.Message, error)
	RecentAlerts(ctx context.Context, limit int) ([]core.Alert, error)
	Ping(ctx context.Context) error
}

// ObservabilityServer wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}

// Migrator wraps the methods used from store.Migrator.
type Migrator interface {
	Up() error
	Steps(n int) error
	Down() error
	Force(version int) error
	Status() (store.MigrationStatus, error)
	Close() error
}

// CheckinClient wraps the methods used from client.Client.
type CheckinClient interface {
	Run(ctx context.Context) error
	Alerter() escalation.Alerter
	Close() error
}

// openArchive connects to PostgreSQL and returns the archive with its
// cleanup function.
func openArchive(ctx context.Context, dsn string) (ArchiveStore, func(), error) {
	pool, err := store.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return store.NewPostgresArchive(pool), pool.Close, nil
}

// databaseURL reads DATABASE_URL from the environment and .env files.
func databaseURL() (string, error) {
	secrets, err := config.LoadSecrets(envFiles()...)
	if err != nil {
		return "", err
	}
	return secrets.DatabaseURL, nil
}

// shutdownTimeout bounds graceful shutdown of every server.
const shutdownTimeout = 5 * time.Second
