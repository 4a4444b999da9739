// Package retry implements exponential backoff with jitter for transient
// failures (C9): Git remote lookups and clones. The backoff
// formula intentionally matches the original operator's
// `retry_with_backoff` (delay = min(initial*base^(attempt-1), max),
// jittered by a uniform(0.5, 1.5) multiplier) rather than
// k8s.io/apimachinery/pkg/util/wait's jitter, which instead widens the
// delay by a uniform(0, factor) addition — the two aren't interchangeable
// and this package preserves the operator's exact curve.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/homystack/nio/internal/errs"
)

// Policy configures a backoff run.
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
}

// DefaultPolicy mirrors the defaults the original retry_with_backoff shipped
// with for Git operations.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialDelay:    2 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
	}
}

// IsRetryable reports whether err is one this package should retry. Nil
// errors are never passed in by Do; this exists for callers composing their
// own retry loops.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *errs.TransientIOError
	return errors.As(err, &transient)
}

// Do runs fn up to policy.MaxAttempts times, sleeping with exponential
// backoff and jitter between attempts. It stops early and returns the error
// unwrapped if fn's error doesn't satisfy retryable, or if ctx is canceled
// while sleeping. Exhausting every attempt returns an *errs.RetryExhausted
// wrapping the last error.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(attempt int) error) error {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &errs.RetryExhausted{Attempts: policy.MaxAttempts, Cause: lastErr}
}

// backoffDelay computes min(initial*base^(attempt-1), max) and applies a
// uniform(0.5, 1.5) jitter multiplier, matching the Python implementation's
// `delay * (0.5 + random.random())`.
func backoffDelay(policy Policy, attempt int) time.Duration {
	base := policy.ExponentialBase
	if base <= 0 {
		base = 2.0
	}
	raw := float64(policy.InitialDelay) * math.Pow(base, float64(attempt-1))
	if max := float64(policy.MaxDelay); max > 0 && raw > max {
		raw = max
	}
	jittered := raw * (0.5 + rand.Float64())
	return time.Duration(jittered)
}
