// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

// Package escalation implements the client-side safety check that raises an
// alert when the user does not confirm within a bounded number of countdowns.
//
// A session starts in Idle. Start begins the first countdown. Each countdown
// lasts a fixed number of time units; when one expires without confirmation
// the next attempt starts, and when the last attempt expires the session
// escalates and sends exactly one alert. Confirm ends the session at any
// point before that.
package escalation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"
)

// State is the phase of a session.
type State int

// Session states. Escalated and Confirmed are terminal.
const (
	Idle State = iota
	AwaitingConfirmation
	Escalated
	Confirmed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Escalated:
		return "escalated"
	case Confirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Escalated || s == Confirmed
}

// Defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultCountdownUnits = 3
	DefaultUnit           = time.Second
	DefaultTitle          = "🚨 Emergency Alert!"
	DefaultBody           = "Emergency signal: a safety check went unanswered."
)

// CodeAlreadyStarted is returned by Start on a session that is not idle.
const CodeAlreadyStarted = "ESCALATION_ALREADY_STARTED"

// Alerter raises the emergency alert. It has no failure result; delivery is
// best effort.
type Alerter interface {
	SendAlert(ctx context.Context, title, body string)
}

// AlerterFunc adapts a function to Alerter.
type AlerterFunc func(ctx context.Context, title, body string)

// SendAlert calls f.
func (f AlerterFunc) SendAlert(ctx context.Context, title, body string) { f(ctx, title, body) }

// Tick describes one elapsed time unit of a countdown.
type Tick struct {
	Attempt   int
	Remaining int
}

// Transition describes a state change. Attempt is the attempt number after
// the change.
type Transition struct {
	From    State
	To      State
	Attempt int
}

// Option configures a Session.
type Option func(*Session)

// WithScheduler replaces the system timer.
func WithScheduler(s Scheduler) Option {
	return func(sess *Session) { sess.scheduler = s }
}

// WithMaxAttempts sets how many countdowns run before escalating.
func WithMaxAttempts(n int) Option {
	return func(sess *Session) {
		if n > 0 {
			sess.maxAttempts = n
		}
	}
}

// WithCountdown sets the number of units per countdown and the unit length.
func WithCountdown(units int, unit time.Duration) Option {
	return func(sess *Session) {
		if units > 0 {
			sess.countdown = units
		}
		if unit > 0 {
			sess.unit = unit
		}
	}
}

// WithAlert sets the alert title and body.
func WithAlert(title, body string) Option {
	return func(sess *Session) {
		sess.title = title
		sess.body = body
	}
}

// OnTick registers cosmetic per-unit feedback.
func OnTick(f func(Tick)) Option {
	return func(sess *Session) { sess.onTick = f }
}

// OnTransition registers a state change observer.
func OnTransition(f func(Transition)) Option {
	return func(sess *Session) { sess.onTransition = f }
}

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(sess *Session) { sess.logger = l }
}

// Session is one safety check. It owns at most one pending timer; every
// transition out of AwaitingConfirmation cancels that timer and bumps the
// generation under the same lock, so a timer that already fired but lost
// the race finds a stale generation and does nothing.
type Session struct {
	alerter      Alerter
	scheduler    Scheduler
	maxAttempts  int
	countdown    int
	unit         time.Duration
	title        string
	body         string
	onTick       func(Tick)
	onTransition func(Transition)
	logger       *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	state     State
	attempt   int
	remaining int
	gen       uint64
	cancel    CancelFunc
	fired     bool
	done      chan struct{}
}

// NewSession creates an idle session that reports escalation to alerter.
func NewSession(alerter Alerter, opts ...Option) *Session {
	s := &Session{
		alerter:     alerter,
		scheduler:   SystemScheduler(),
		maxAttempts: DefaultMaxAttempts,
		countdown:   DefaultCountdownUnits,
		unit:        DefaultUnit,
		title:       DefaultTitle,
		body:        DefaultBody,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// notice carries hook calls collected under the lock and run after it.
type notice struct {
	ticks       []Tick
	transitions []Transition
	alert       bool
	terminal    bool
}

// Start begins the first countdown. ctx is passed to the alerter if the
// session escalates.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return oops.Code(CodeAlreadyStarted).With("state", state.String()).Errorf("session already started")
	}
	s.ctx = ctx
	var n notice
	s.transition(&n, AwaitingConfirmation, 1)
	s.remaining = s.countdown
	s.scheduleLocked(&n)
	s.mu.Unlock()

	s.deliver(n)
	return nil
}

// Confirm ends an awaiting session as Confirmed and reports whether the
// session is confirmed. It returns false once the session has escalated and
// on a session that was never started, which stays Idle.
func (s *Session) Confirm() bool {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.mu.Unlock()
		return false
	case Confirmed:
		s.mu.Unlock()
		return true
	case Escalated:
		s.mu.Unlock()
		return false
	}
	var n notice
	s.stopTimerLocked()
	s.transition(&n, Confirmed, s.attempt)
	s.mu.Unlock()

	s.deliver(n)
	return true
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the current attempt number, 0 before Start.
func (s *Session) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Remaining returns the units left in the current countdown.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remaining
}

// Done is closed once the session reaches a terminal state and its hooks
// and alert have run.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) tick(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.state != AwaitingConfirmation {
		s.mu.Unlock()
		return
	}
	s.cancel = nil

	var n notice
	s.remaining--
	n.ticks = append(n.ticks, Tick{Attempt: s.attempt, Remaining: s.remaining})

	switch {
	case s.remaining > 0:
		s.scheduleLocked(&n)
	case s.attempt < s.maxAttempts:
		s.transition(&n, AwaitingConfirmation, s.attempt+1)
		s.remaining = s.countdown
		s.scheduleLocked(&n)
	default:
		s.escalateLocked(&n)
	}
	s.mu.Unlock()

	s.deliver(n)
}

// scheduleLocked arms the next one-unit timer. A scheduling failure
// escalates at once.
func (s *Session) scheduleLocked(n *notice) {
	s.gen++
	gen := s.gen
	cancel, err := s.scheduler.Schedule(s.unit, func() { s.tick(gen) })
	if err != nil {
		s.logger.Error("escalation timer could not be scheduled, escalating now",
			"attempt", s.attempt, "error", err)
		s.escalateLocked(n)
		return
	}
	s.cancel = cancel
}

func (s *Session) stopTimerLocked() {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// escalateLocked moves to Escalated. The alert is sent after the lock is
// released; fired guarantees it is sent at most once.
func (s *Session) escalateLocked(n *notice) {
	if s.state != AwaitingConfirmation || s.fired {
		return
	}
	s.stopTimerLocked()
	s.transition(n, Escalated, s.attempt)
	s.fired = true
	n.alert = true
}

func (s *Session) transition(n *notice, to State, attempt int) {
	from := s.state
	s.state = to
	s.attempt = attempt
	n.transitions = append(n.transitions, Transition{From: from, To: to, Attempt: attempt})
	if to.Terminal() {
		n.terminal = true
	}
}

func (s *Session) deliver(n notice) {
	if s.onTick != nil {
		for _, t := range n.ticks {
			s.onTick(t)
		}
	}
	if s.onTransition != nil {
		for _, t := range n.transitions {
			s.onTransition(t)
		}
	}
	if n.alert && s.alerter != nil {
		s.logger.Warn("safety check unanswered, sending alert", "attempts", s.maxAttempts)
		s.alerter.SendAlert(s.ctx, s.title, s.body)
	}
	if n.terminal {
		close(s.done)
	}
}
