// Package backoff computes retry delays for the agent's loops: publish
// retries, broker reconnects, serialization-failure retries and requeues.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"math/rand/v2"
	"time"
)

// Exponential returns base * 2^attempt and saturates at the largest
// duration. Negative attempts count as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = max(attempt, 0)

	// base * 2^attempt overflows once the shift eats the leading zeros.
	if attempt >= bits.LeadingZeros64(uint64(base)) {
		return time.Duration(math.MaxInt64)
	}

	return base << attempt
}

// FullJitter returns a uniformly random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return rand.N(delay) // #nosec G404 -- jitter needs no crypto randomness
}

// Jittered is FullJitter over Exponential limited to ceiling. A ceiling of
// zero means no limit.
func Jittered(base, ceiling time.Duration, attempt int) time.Duration {
	delay := Exponential(base, attempt)
	if ceiling > 0 {
		delay = min(delay, ceiling)
	}

	return FullJitter(delay)
}

// WaitContext sleeps for d unless ctx ends first. Non-positive durations
// return at once.
func WaitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
