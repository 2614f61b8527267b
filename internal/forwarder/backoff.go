package forwarder

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// acceptBackoff returns the schedule used after failed Accept calls.
func acceptBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// waitBackoff sleeps for the next delay of b. It returns false if ctx
// ends first.
func waitBackoff(ctx context.Context, b backoff.BackOff) bool {
	t := time.NewTimer(b.NextBackOff())
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
