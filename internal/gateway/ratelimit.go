// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CityPulse Contributors

package gateway

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Rate limiting defaults for fan-out events.
const (
	// DefaultBurst is the number of publish or alert events a connection may
	// send back to back.
	DefaultBurst = 10

	// DefaultRate is the sustained refill rate in events per second.
	DefaultRate = 2.0

	// MinRate keeps the refill rate from stalling a connection forever.
	MinRate = 0.1

	// DefaultCleanupInterval is how often idle buckets are swept.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultBucketMaxAge is how long an unused bucket is kept.
	DefaultBucketMaxAge = time.Hour
)

// RateLimited counts events refused by the rate limiter.
var RateLimited = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "citypulse_events_rate_limited_total",
		Help: "Total number of client events refused by the rate limiter",
	},
	[]string{"kind"},
)

// RegisterMetrics registers gateway metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(RateLimited)
}

// RateLimiterConfig configures a RateLimiter. Zero fields take defaults.
type RateLimiterConfig struct {
	Burst           int
	Rate            float64
	CleanupInterval time.Duration
	BucketMaxAge    time.Duration
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter is a per-connection token bucket. It is safe for concurrent
// use. Close stops the background sweep.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[ulid.ULID]*bucket
	burst   int
	rate    float64
	maxAge  time.Duration
	now     func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRateLimiter starts a limiter and its sweep goroutine.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	rate := cfg.Rate
	if rate <= 0 {
		rate = DefaultRate
	}
	if rate < MinRate {
		rate = MinRate
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	maxAge := cfg.BucketMaxAge
	if maxAge <= 0 {
		maxAge = DefaultBucketMaxAge
	}

	rl := &RateLimiter{
		buckets: make(map[ulid.ULID]*bucket),
		burst:   burst,
		rate:    rate,
		maxAge:  maxAge,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.sweep(interval)
	return rl
}

// Allow consumes a token for id. When none is left it reports how long until
// the next one.
func (rl *RateLimiter) Allow(id ulid.ULID) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[id]
	if !ok {
		b = &bucket{tokens: float64(rl.burst), lastCheck: now}
		rl.buckets[id] = b
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * rl.rate
	if b.tokens > float64(rl.burst) {
		b.tokens = float64(rl.burst)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / rl.rate * float64(time.Second))
	return false, wait
}

// Forget drops the bucket of a closed connection.
func (rl *RateLimiter) Forget(id ulid.ULID) {
	rl.mu.Lock()
	delete(rl.buckets, id)
	rl.mu.Unlock()
}

// Len returns the number of tracked buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Cleanup removes buckets unused for longer than maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	threshold := rl.now().Add(-maxAge)
	for id, b := range rl.buckets {
		if b.lastCheck.Before(threshold) {
			delete(rl.buckets, id)
		}
	}
}

func (rl *RateLimiter) sweep(interval time.Duration) {
	defer rl.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.Cleanup(rl.maxAge)
		}
	}
}

// Close stops the sweep and waits for it to exit.
func (rl *RateLimiter) Close() {
	close(rl.stop)
	rl.wg.Wait()
}
