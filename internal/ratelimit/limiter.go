// Package ratelimit provides the adaptive token bucket shared by all
// outbound extraction and embedding calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// Adaptive rate bounds, as fractions of the configured base rate.
	minRateFraction = 0.2
	maxRateFraction = 1.5

	increaseFactor   = 1.1
	decreaseFactor   = 0.7
	successThreshold = 10

	minWait = time.Millisecond
)

// Limiter is a token bucket whose refill rate adapts to provider feedback:
// ten consecutive successes raise the rate by 10%, a rate-limit error cuts
// it by 30%. The rate never leaves [20%, 150%] of the configured base.
// Capacity (maximum burst) stays at the base rate.
//
// Safe for concurrent use by all in-flight batch workers.
type Limiter struct {
	mu            sync.Mutex
	base          float64 // configured requests per minute
	rate          float64 // current requests per minute
	tokens        float64
	lastRefill    time.Time
	successStreak int
}

// Status is a point-in-time snapshot of the limiter for observability.
type Status struct {
	BaseRPM         float64 `json:"base_rpm"`
	CurrentRPM      float64 `json:"current_rpm"`
	AvailableTokens float64 `json:"available_tokens"`
}

// New creates a limiter allowing requestsPerMinute sustained requests.
// Values <= 0 default to 60. The bucket starts full.
func New(requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	base := float64(requestsPerMinute)
	return &Limiter{
		base:       base,
		rate:       base,
		tokens:     base,
		lastRefill: time.Now(),
	}
}

// Acquire blocks until a full token is available, then consumes it.
// Returns early with the context's error on cancellation. The wait is
// re-evaluated each cycle so concurrent rate adjustments take effect
// on waiting callers.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		wait := l.timeToTokenLocked()
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportSuccess records a successful provider call. Every tenth consecutive
// success scales the rate up by 10%, capped at 150% of base.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successStreak++
	if l.successStreak < successThreshold {
		return
	}
	l.successStreak = 0
	l.setRateLocked(l.rate * increaseFactor)
}

// ReportRateLimitError records a provider rate-limit rejection: the rate is
// cut by 30% immediately, floored at 20% of base, and the success streak
// resets.
func (l *Limiter) ReportRateLimitError() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.successStreak = 0
	l.setRateLocked(l.rate * decreaseFactor)
}

// Status reports the current rate and available tokens.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	return Status{
		BaseRPM:         l.base,
		CurrentRPM:      l.rate,
		AvailableTokens: l.tokens,
	}
}

// refillLocked accrues tokens for the interval since the last refill at the
// current rate, capped at capacity. Callers must hold mu.
func (l *Limiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	l.tokens += elapsed.Minutes() * l.rate
	if l.tokens > l.base {
		l.tokens = l.base
	}
	l.lastRefill = now
}

// timeToTokenLocked estimates how long until a full token accrues at the
// current rate. Callers must hold mu.
func (l *Limiter) timeToTokenLocked() time.Duration {
	deficit := 1 - l.tokens
	if deficit <= 0 {
		return minWait
	}
	wait := time.Duration(deficit / l.rate * float64(time.Minute))
	if wait < minWait {
		wait = minWait
	}
	return wait
}

// setRateLocked settles accrued tokens at the old rate, then applies the new
// rate clamped to the adaptive bounds. Callers must hold mu.
func (l *Limiter) setRateLocked(rate float64) {
	l.refillLocked()

	lo := l.base * minRateFraction
	hi := l.base * maxRateFraction
	if rate < lo {
		rate = lo
	}
	if rate > hi {
		rate = hi
	}
	l.rate = rate
}
