package provider

import (
	"context"
	"time"
)

// Backoff is the retry schedule of the API-based providers.
type Backoff struct {
	Retries int
	Base    time.Duration
}

// DefaultBackoff retries three times, waiting 1s, 2s and 4s.
var DefaultBackoff = Backoff{Retries: 3, Base: time.Second}

// Delay returns the wait before retry number attempt (1-based). Base doubles
// for every attempt after the first.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Wait blocks for d or until ctx is done.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
