// Package retry implements a bounded retry policy for best-effort external
// cleanup, such as stopping a container or removing a worktree directory.
package retry

import (
	"context"
	"time"
)

// Policy describes a bounded retry loop: a maximum attempt count, a backoff
// function over the attempt index, and an optional terminal fallback that
// runs once when every attempt has failed.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff returns the delay before attempt n (1-based, so Backoff(1) is
	// the delay between the first and second attempt). A nil Backoff retries
	// immediately.
	Backoff func(attempt int) time.Duration

	// Fallback runs once after the final attempt fails. Its error, if any,
	// replaces the last attempt's error.
	Fallback func(ctx context.Context) error
}

// Linear returns a backoff function growing linearly from the base delay:
// base, 2*base, 3*base, ...
func Linear(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * base
	}
}

// Do runs fn under the policy. It returns nil as soon as an attempt (or the
// terminal fallback) succeeds. Context cancellation stops the loop between
// attempts and returns the context error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if p.Fallback != nil {
		if err := p.Fallback(ctx); err != nil {
			return err
		}
		return nil
	}

	return lastErr
}
