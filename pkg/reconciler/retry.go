package reconciler

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/keel-cm/keel/pkg/resource"
)

// RetryPolicy bounds how often an unreachable target is retried. Only
// unreachable errors are retried; everything else fails immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// withRetry runs fn, retrying with capped exponential backoff while the error
// classifies as target-unreachable. onRetry is called before each retry. The
// last error is returned when attempts are exhausted or the context ends.
func withRetry(ctx context.Context, policy RetryPolicy, onRetry func(attempt int, err error), fn func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil || !resource.IsUnreachable(err) {
			return err
		}

		if attempt == attempts-1 {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoffDelay(attempt, policy)):
		}
	}
	return err
}

func backoffDelay(attempt int, policy RetryPolicy) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := policy.MaxDelay
	if max <= 0 {
		max = 10 * time.Second
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	// Jitter avoids the retries of several runs lining up.
	return time.Duration(d/2 + rand.Float64()*d/2)
}
