// Package backoff provides bounded exponential backoff with jitter for the
// retry loops used by the gateway, the orchestrator's compensation path, and
// the outbox publisher.
package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// maxShift caps the exponent so the multiplier cannot overflow int64.
const maxShift = 62

// Exponential returns base * 2^attempt. Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// FullJitter returns a uniformly random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int63n(int64(delay)))
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt).
// This is the "full jitter" strategy; it avoids synchronized retry storms
// across concurrent callers.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// Sleep blocks for the given duration or until ctx is done, whichever comes
// first. Zero and negative durations return immediately.
func Sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	}
}
