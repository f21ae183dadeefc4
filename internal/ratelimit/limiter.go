// Package ratelimit implements the fixed-window submission limiter that
// guards the contact endpoint, the client key derivation it uses, and
// optional decision statistics.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Defaults match the contact form policy: five submissions per fifteen
// minutes per client, expired windows swept every five minutes.
const (
	DefaultMaxRequests   = 5
	DefaultWindow        = 15 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

// DefaultMessage is returned to clients that exceed the limit.
const DefaultMessage = "Too many submissions. Please try again later."

// Decision is the outcome of a single Check. A denial is a normal outcome,
// not an error.
type Decision struct {
	Allowed    bool
	Count      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds, at least 1.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter decides whether a client may submit now.
type Limiter interface {
	Check(ctx context.Context, key string) (Decision, error)
}

// Options configures a fixed-window store.
type Options struct {
	MaxRequests int
	Window      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRequests <= 0 {
		o.MaxRequests = DefaultMaxRequests
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	return o
}

// retryAfter converts the remaining window into a whole-second duration.
func retryAfter(resetAt, now time.Time) time.Duration {
	remaining := resetAt.Sub(now)
	secs := math.Ceil(remaining.Seconds())
	if secs < 1 {
		secs = 1
	}
	return time.Duration(secs) * time.Second
}
