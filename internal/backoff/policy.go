// Package backoff provides the retry policy shared by the feed client,
// token registrar and API retry paths.
package backoff

import (
	"context"
	"time"
)

// Policy describes a bounded retry schedule. Each call site configures its
// own constants; there is deliberately no shared default.
type Policy struct {
	// Base is the delay before the second attempt.
	Base time.Duration

	// Factor multiplies the delay after every failed attempt. A factor of 1
	// gives a constant delay.
	Factor float64

	// Cap bounds the delay between attempts. Zero means uncapped.
	Cap time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
}

// Delay returns the wait before the given attempt (attempt 2 waits Base,
// attempt 3 waits Base*Factor, and so on). Attempt 1 has no delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	d := p.Base
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Retry runs op until it succeeds, attempts are exhausted, or the context is
// cancelled. It returns nil on success, the context error on cancellation,
// and otherwise the error from the final attempt.
func (p Policy) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if lastErr = op(ctx); lastErr == nil {
			return nil
		}
	}

	return lastErr
}
