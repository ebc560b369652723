package batch

import (
	"context"
	"math"
	"time"
)

// RetryPolicy bounds the retries of one item. Only transient failures
// (RateLimited, ProviderUnavailable) are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retry.
	MaxRetries int

	// BaseDelay is the backoff before the first retry. It doubles per retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff before jitter. Zero means no cap.
	// A provider Retry-After hint may exceed it.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns 3 retries starting at 500ms, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// backoff returns the delay before retry number attempt+1: BaseDelay*2^attempt
// capped at MaxDelay, raised to retryAfter when larger, then scaled by a
// jitter factor in [0.75, 1.25). r must return values in [0, 1).
func (p RetryPolicy) backoff(attempt int, retryAfter time.Duration, r func() float64) time.Duration {
	f := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if p.MaxDelay > 0 && f > float64(p.MaxDelay) {
		f = float64(p.MaxDelay)
	}
	d := time.Duration(min(f, math.MaxInt64/2))
	d = max(d, retryAfter)
	factor := 0.75 + r()*0.5
	return time.Duration(float64(d) * factor)
}

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
