// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package escalation

import "time"

// CancelFunc stops a scheduled task. After it returns the task will not
// start. Calling it more than once is harmless.
type CancelFunc func()

// Scheduler runs a task once after a delay. Schedule must not run f before
// it returns.
type Scheduler interface {
	Schedule(d time.Duration, f func()) (CancelFunc, error)
}

type timerScheduler struct{}

// SystemScheduler schedules tasks on the runtime timer.
func SystemScheduler() Scheduler {
	return timerScheduler{}
}

func (timerScheduler) Schedule(d time.Duration, f func()) (CancelFunc, error) {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }, nil
}
