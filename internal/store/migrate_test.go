// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package store

import (
	"errors"
	"fmt"
	"testing"
	"testing/fstest"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/citypulse/pkg/errutil"
)

func TestNewMigrator_InvalidURL(t *testing.T) {
	_, err := NewMigrator("invalid://url")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "MIGRATION_INIT_FAILED")
}

func TestDriverURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@db:5432/citypulse", driverURL("postgres://u:p@db:5432/citypulse"))
	assert.Equal(t, "pgx5://db/citypulse", driverURL("postgresql://db/citypulse"))
	assert.Equal(t, "pgx5://db/citypulse", driverURL("pgx5://db/citypulse"))
}

// mockMigrate implements migrateIface for testing.
type mockMigrate struct {
	upErr          error
	downErr        error
	stepsErr       error
	versionVal     uint
	versionErr     error
	dirty          bool
	forceErr       error
	closeSourceErr error
	closeDbErr     error
}

func (m *mockMigrate) Up() error                    { return m.upErr }
func (m *mockMigrate) Down() error                  { return m.downErr }
func (m *mockMigrate) Steps(_ int) error            { return m.stepsErr }
func (m *mockMigrate) Version() (uint, bool, error) { return m.versionVal, m.dirty, m.versionErr }
func (m *mockMigrate) Force(_ int) error            { return m.forceErr }
func (m *mockMigrate) Close() (error, error)        { return m.closeSourceErr, m.closeDbErr }

func TestMigrator_Operations(t *testing.T) {
	tests := []struct {
		name    string
		mock    *mockMigrate
		run     func(*Migrator) error
		wantErr string
	}{
		{"up", &mockMigrate{}, (*Migrator).Up, ""},
		{"up no change", &mockMigrate{upErr: migrate.ErrNoChange}, (*Migrator).Up, ""},
		{"up error", &mockMigrate{upErr: errors.New("database locked")}, (*Migrator).Up, "MIGRATION_UP_FAILED"},
		{"down", &mockMigrate{}, (*Migrator).Down, ""},
		{"down no change", &mockMigrate{downErr: migrate.ErrNoChange}, (*Migrator).Down, ""},
		{"down error", &mockMigrate{downErr: errors.New("constraint")}, (*Migrator).Down, "MIGRATION_DOWN_FAILED"},
		{"steps", &mockMigrate{}, func(m *Migrator) error { return m.Steps(1) }, ""},
		{"steps no change", &mockMigrate{stepsErr: migrate.ErrNoChange}, func(m *Migrator) error { return m.Steps(0) }, ""},
		{"steps error", &mockMigrate{stepsErr: errors.New("bad")}, func(m *Migrator) error { return m.Steps(-1) }, "MIGRATION_STEPS_FAILED"},
		{"force", &mockMigrate{}, func(m *Migrator) error { return m.Force(2) }, ""},
		{"force negative", &mockMigrate{}, func(m *Migrator) error { return m.Force(-1) }, "INVALID_VERSION"},
		{"force error", &mockMigrate{forceErr: errors.New("bad")}, func(m *Migrator) error { return m.Force(1) }, "MIGRATION_FORCE_FAILED"},
		{"close", &mockMigrate{}, (*Migrator).Close, ""},
		{"close source", &mockMigrate{closeSourceErr: errors.New("src")}, (*Migrator).Close, "MIGRATION_CLOSE_FAILED"},
		{"close database", &mockMigrate{closeDbErr: errors.New("db")}, (*Migrator).Close, "MIGRATION_CLOSE_FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(&Migrator{m: tt.mock})
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, tt.wantErr)
		})
	}
}

func TestMigrator_Close_BothErrors(t *testing.T) {
	m := &Migrator{m: &mockMigrate{
		closeSourceErr: errors.New("source close failed"),
		closeDbErr:     errors.New("db close failed"),
	}}
	err := m.Close()
	require.Error(t, err)
	errutil.AssertErrorContext(t, err, "component", "both")
	assert.Contains(t, err.Error(), "source close failed")
	assert.Contains(t, err.Error(), "db close failed")
}

func TestMigrator_Version(t *testing.T) {
	version, dirty, err := (&Migrator{m: &mockMigrate{versionVal: 2, dirty: true}}).Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.True(t, dirty)

	version, dirty, err = (&Migrator{m: &mockMigrate{versionErr: migrate.ErrNilVersion}}).Version()
	require.NoError(t, err, "ErrNilVersion should return 0, false, nil")
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	_, _, err = (&Migrator{m: &mockMigrate{versionErr: errors.New("connection lost")}}).Version()
	errutil.AssertErrorCode(t, err, "MIGRATION_VERSION_FAILED")
}

func TestMigrator_PendingAndApplied(t *testing.T) {
	tests := []struct {
		name    string
		mock    *mockMigrate
		pending []uint
		applied []uint
	}{
		{"fresh database", &mockMigrate{versionErr: migrate.ErrNilVersion}, []uint{1, 2}, nil},
		{"partially migrated", &mockMigrate{versionVal: 1}, []uint{2}, []uint{1}},
		{"up to date", &mockMigrate{versionVal: 2}, nil, []uint{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Migrator{m: tt.mock}

			pending, err := m.PendingMigrations()
			require.NoError(t, err)
			assert.Equal(t, tt.pending, pending)

			applied, err := m.AppliedMigrations()
			require.NoError(t, err)
			assert.Equal(t, tt.applied, applied)
		})
	}
}

func TestMigrator_PendingAndApplied_VersionError(t *testing.T) {
	m := &Migrator{m: &mockMigrate{versionErr: errors.New("connection lost")}}

	_, err := m.PendingMigrations()
	errutil.AssertErrorContext(t, err, "operation", "get pending migrations")

	_, err = m.AppliedMigrations()
	errutil.AssertErrorContext(t, err, "operation", "get applied migrations")

	_, err = m.Status()
	require.Error(t, err)
}

func TestMigrator_Status(t *testing.T) {
	status, err := (&Migrator{m: &mockMigrate{versionVal: 1}}).Status()
	require.NoError(t, err)
	assert.Equal(t, MigrationStatus{Version: 1, Applied: []uint{1}, Pending: []uint{2}}, status)
}

func TestMigrationName(t *testing.T) {
	tests := []struct {
		version  uint
		expected string
	}{
		{1, "000001_create_archived_messages"},
		{2, "000002_create_archived_alerts"},
		{999, ""},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("version_%d", tt.version), func(t *testing.T) {
			name, err := MigrationName(tt.version)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, name)
		})
	}
}

func TestAllMigrationVersions_ReturnsCopy(t *testing.T) {
	first, err := allMigrationVersions()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	original := first[0]
	first[0] = 99999

	second, err := allMigrationVersions()
	require.NoError(t, err)
	assert.Equal(t, original, second[0], "mutation should not affect cache")
}

func TestLoadMigrationVersions_SkipsMalformedNames(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/000003_c.up.sql":   {},
		"migrations/000001_a.up.sql":   {},
		"migrations/000001_a.down.sql": {},
		"migrations/README.md":         {},
		"migrations/latest.up.sql":     {},
	}
	got, err := loadMigrationVersions(fsys)
	require.NoError(t, err)
	assert.Equal(t, []uint{1, 3}, got)
}
