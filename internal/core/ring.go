// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package core

// ring is a fixed-capacity FIFO that evicts the oldest entry on overflow.
// Not safe for concurrent use; rooms guard it with their own lock.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// last returns up to n of the newest entries, oldest first.
func (r *ring[T]) last(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return []T{}
	}
	out := make([]T, n)
	offset := r.size - n
	for i := range n {
		out[i] = r.buf[(r.start+offset+i)%len(r.buf)]
	}
	return out
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) cap() int { return len(r.buf) }
