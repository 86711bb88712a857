// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/citypulse/citypulse/internal/store"
	"github.com/citypulse/citypulse/pkg/errutil"
)

type mockMigrator struct {
	mock.Mock
}

func (m *mockMigrator) Up() error         { return m.Called().Error(0) }
func (m *mockMigrator) Down() error       { return m.Called().Error(0) }
func (m *mockMigrator) Steps(n int) error { return m.Called(n).Error(0) }
func (m *mockMigrator) Force(v int) error { return m.Called(v).Error(0) }
func (m *mockMigrator) Close() error      { return m.Called().Error(0) }

func (m *mockMigrator) Status() (store.MigrationStatus, error) {
	args := m.Called()
	return args.Get(0).(store.MigrationStatus), args.Error(1)
}

func runMigrateCmd(t *testing.T, m *mockMigrator, url string, args ...string) (string, error) {
	t.Helper()
	cmd := newMigrateCmdWithDeps(&MigrateDeps{
		DatabaseURLGetter: func() (string, error) { return url, nil },
		MigratorFactory:   func(string) (Migrator, error) { return m, nil },
	})
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestMigrate_Up(t *testing.T) {
	m := &mockMigrator{}
	m.On("Up").Return(nil).Once()
	m.On("Close").Return(nil).Once()

	out, err := runMigrateCmd(t, m, "postgres://db", "up")

	require.NoError(t, err)
	assert.Contains(t, out, "Migrations completed successfully")
	m.AssertExpectations(t)
}

func TestMigrate_UpFailure(t *testing.T) {
	m := &mockMigrator{}
	m.On("Up").Return(errors.New("dirty database")).Once()
	m.On("Close").Return(nil).Once()

	_, err := runMigrateCmd(t, m, "postgres://db", "up")

	errutil.AssertErrorCode(t, err, "MIGRATION_FAILED")
	m.AssertExpectations(t)
}

func TestMigrate_DownOneStep(t *testing.T) {
	m := &mockMigrator{}
	m.On("Steps", -1).Return(nil).Once()
	m.On("Close").Return(nil).Once()

	out, err := runMigrateCmd(t, m, "postgres://db", "down")

	require.NoError(t, err)
	assert.Contains(t, out, "Rollback completed successfully")
	m.AssertExpectations(t)
}

func TestMigrate_DownAll(t *testing.T) {
	m := &mockMigrator{}
	m.On("Down").Return(nil).Once()
	m.On("Close").Return(nil).Once()

	_, err := runMigrateCmd(t, m, "postgres://db", "down", "--all")

	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestMigrate_Version(t *testing.T) {
	m := &mockMigrator{}
	m.On("Status").Return(store.MigrationStatus{Version: 1, Applied: []uint{1}, Pending: []uint{2}}, nil).Once()
	m.On("Close").Return(nil).Once()

	out, err := runMigrateCmd(t, m, "postgres://db", "version")

	require.NoError(t, err)
	assert.Contains(t, out, "Version: 000001_create_archived_messages")
	assert.Contains(t, out, "Pending: 1")
	assert.Contains(t, out, "  - 2")
}

func TestMigrate_Force(t *testing.T) {
	m := &mockMigrator{}
	m.On("Force", 2).Return(nil).Once()
	m.On("Close").Return(nil).Once()

	out, err := runMigrateCmd(t, m, "postgres://db", "force", "2")

	require.NoError(t, err)
	assert.Contains(t, out, "Forced schema version to 2")
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	_, err := runMigrateCmd(t, &mockMigrator{}, "", "up")
	errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
}

func TestParseForceVersion(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantVersion int
		wantErr     bool
	}{
		{name: "valid integer", input: "3", wantVersion: 3},
		{name: "zero is valid", input: "0", wantVersion: 0},
		{name: "trailing chars are ignored", input: "3abc", wantVersion: 3},
		{name: "negative is valid", input: "-1", wantVersion: -1},
		{name: "non-numeric returns error", input: "abc", wantErr: true},
		{name: "empty string returns error", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseForceVersion(tt.input)
			if tt.wantErr {
				errutil.AssertErrorCode(t, err, "INVALID_VERSION")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, got)
		})
	}
}

func TestFormatMigrationStatus(t *testing.T) {
	assert.Equal(t, "Version: none\nApplied: 0\nPending: 0", formatMigrationStatus(store.MigrationStatus{}))
	assert.Contains(t, formatMigrationStatus(store.MigrationStatus{Version: 2, Dirty: true}), "(dirty)")
}
