// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_KeepsInsertionOrder(t *testing.T) {
	r := newRing[int](4)
	for i := 1; i <= 3; i++ {
		r.push(i)
	}

	assert.Equal(t, []int{1, 2, 3}, r.last(10))
	assert.Equal(t, []int{2, 3}, r.last(2))
	assert.Equal(t, 3, r.len())
	assert.Equal(t, 4, r.cap())
}

func TestRing_EvictsOldestOnOverflow(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 7; i++ {
		r.push(i)
	}

	assert.Equal(t, []int{5, 6, 7}, r.last(3))
	assert.Equal(t, []int{7}, r.last(1))
	assert.Equal(t, 3, r.len())
}

func TestRing_NonPositiveLimit(t *testing.T) {
	r := newRing[int](2)
	r.push(1)

	assert.Empty(t, r.last(0))
	assert.Empty(t, r.last(-5))
	assert.NotNil(t, r.last(0))
}

func TestRing_MinimumCapacity(t *testing.T) {
	r := newRing[string](0)
	r.push("a")
	r.push("b")

	assert.Equal(t, []string{"b"}, r.last(5))
}
