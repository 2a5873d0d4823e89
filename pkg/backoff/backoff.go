// Package backoff provides the shared exponential backoff policy used by
// request retries, credential refresh retries, and offline sync replay.
package backoff

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// ErrWaitCancelled is returned when the context is cancelled while waiting
// out a backoff delay.
var ErrWaitCancelled = fmt.Errorf("backoff wait cancelled")

// Policy maps an attempt number to a delay.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps the computed delay.
	Max time.Duration

	// Multiplier is the exponential growth factor between attempts.
	Multiplier float64

	// Jitter is the random spread applied to each delay, as a fraction.
	// 0.2 means the final delay is within ±20% of the computed value.
	Jitter float64
}

// Default returns the policy shared by the gateway and the sync queue.
func Default() Policy {
	return Policy{
		Initial:    1 * time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Delay returns the backoff duration for the given attempt.
// Attempts are 1-based: attempt 1 is the first retry.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter > 0 {
		spread := 1 - p.Jitter + rand.Float64()*2*p.Jitter
		d *= spread
	}

	return time.Duration(d)
}

// Wait blocks for the attempt's delay or until the context is cancelled.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWaitCancelled, ctx.Err())
	case <-time.After(p.Delay(attempt)):
		return nil
	}
}
