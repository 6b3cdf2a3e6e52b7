// Package retry wraps provider calls with exponential backoff, retrying
// transient failures and passing terminal ones straight through.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

const (
	defaultDelay      = 500 * time.Millisecond
	defaultMultiplier = 2.0
)

// RetryableError is implemented by structured errors that declare explicitly
// whether retrying can help. The flag takes precedence over message-pattern
// classification.
type RetryableError interface {
	error
	Retryable() bool
}

// OnRetry is invoked before each backoff sleep with the upcoming attempt
// number (1-based) and the error that triggered the retry.
type OnRetry func(attempt int, err error)

// Executor retries an operation with exponential backoff.
// Delay before retry N is delay * multiplier^(N-1).
type Executor struct {
	maxRetries int
	delay      time.Duration
	multiplier float64
}

// New creates an executor allowing maxRetries retries beyond the first
// attempt. Non-positive delay and multiplier fall back to 500ms and 2.
func New(maxRetries int, delay time.Duration, multiplier float64) *Executor {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay <= 0 {
		delay = defaultDelay
	}
	if multiplier < 1 {
		multiplier = defaultMultiplier
	}
	return &Executor{
		maxRetries: maxRetries,
		delay:      delay,
		multiplier: multiplier,
	}
}

// Do runs op, retrying retryable failures until they succeed or retries are
// exhausted. onRetry may be nil. Terminal errors return immediately;
// exhaustion returns the last error wrapped, which callers treat as terminal.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error, onRetry OnRetry) error {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.backoff(attempt)):
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", e.maxRetries+1, lastErr)
}

func (e *Executor) backoff(attempt int) time.Duration {
	return time.Duration(float64(e.delay) * math.Pow(e.multiplier, float64(attempt-1)))
}

// serverErrPattern matches 5xx status codes embedded in error text.
var serverErrPattern = regexp.MustCompile(`\b5\d\d\b`)

// retryablePatterns covers transient failures from providers that do not
// return structured errors.
var retryablePatterns = []string{
	"rate limit",
	"rate_limit",
	"too many requests",
	"429",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection reset",
	"connection refused",
	"broken pipe",
	"overloaded",
	"unavailable",
	"internal server error",
	"bad gateway",
}

// IsRetryable reports whether err is worth retrying. Errors implementing
// RetryableError decide for themselves; everything else is matched against
// known transient patterns.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re RetryableError
	if errors.As(err, &re) {
		return re.Retryable()
	}

	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return serverErrPattern.MatchString(msg)
}

// IsRateLimit reports whether err looks like a provider rate-limit
// rejection. Used to feed the adaptive rate limiter.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429")
}
