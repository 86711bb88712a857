// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package errutil

import (
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// AssertErrorCode fails t unless err carries the oops code want.
func AssertErrorCode(t testing.TB, err error, want string) {
	t.Helper()
	require.Error(t, err)
	_, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	assert.Equal(t, want, Code(err), "error: %v", err)
}

// AssertErrorContext fails t unless err carries key with value in its oops
// context.
func AssertErrorContext(t testing.TB, err error, key string, value any) {
	t.Helper()
	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok, "expected oops error, got %T: %v", err, err)
	got, found := oopsErr.Context()[key]
	require.True(t, found, "context has no %q: %v", key, oopsErr.Context())
	assert.Equal(t, value, got)
}
