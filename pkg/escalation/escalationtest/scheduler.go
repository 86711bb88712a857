// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package escalationtest provides a manual clock for driving escalation
// sessions in tests.
package escalationtest

import (
	"sync"
	"time"

	"github.com/citypulse/citypulse/pkg/escalation"
)

type task struct {
	id  int
	due time.Duration
	fn  func()
}

// FakeScheduler runs tasks only when Advance moves its clock past their due
// time. It is safe for concurrent use.
type FakeScheduler struct {
	mu        sync.Mutex
	now       time.Duration
	nextID    int
	tasks     map[int]*task
	calls     int
	failAfter int
	failErr   error
}

var _ escalation.Scheduler = (*FakeScheduler)(nil)

// NewFakeScheduler creates a scheduler at time zero.
func NewFakeScheduler() *FakeScheduler {
	return &FakeScheduler{tasks: make(map[int]*task)}
}

// Schedule registers f to run d after the current fake time.
func (f *FakeScheduler) Schedule(d time.Duration, fn func()) (escalation.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failErr != nil && f.calls > f.failAfter {
		return nil, f.failErr
	}

	f.nextID++
	id := f.nextID
	f.tasks[id] = &task{id: id, due: f.now + d, fn: fn}
	return func() {
		f.mu.Lock()
		delete(f.tasks, id)
		f.mu.Unlock()
	}, nil
}

// FailAfter makes every Schedule call after the first n return err.
func (f *FakeScheduler) FailAfter(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter = f.calls + n
	f.failErr = err
}

// Advance moves the clock forward by d, running due tasks in order. Tasks
// scheduled while advancing run too if they fall due within d.
func (f *FakeScheduler) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now + d
	f.mu.Unlock()

	for {
		f.mu.Lock()
		var next *task
		for _, t := range f.tasks {
			if t.due > target {
				continue
			}
			if next == nil || t.due < next.due || (t.due == next.due && t.id < next.id) {
				next = t
			}
		}
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		delete(f.tasks, next.id)
		f.now = next.due
		f.mu.Unlock()

		next.fn()
	}
}

// Now returns the elapsed fake time.
func (f *FakeScheduler) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Pending returns the number of scheduled tasks not yet run or cancelled.
func (f *FakeScheduler) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// Calls returns how many times Schedule was called.
func (f *FakeScheduler) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
