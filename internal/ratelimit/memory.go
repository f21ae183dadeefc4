package ratelimit

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	count   int
	resetAt time.Time
}

// MemoryStore is a process-local fixed-window limiter. Counters live in a map
// guarded by a single mutex; the janitor takes the same mutex to drop expired
// windows.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	now     func() time.Time
}

// MemoryOption customizes a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts Options, options ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*entry),
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Check records one attempt for key and reports whether it is within the
// limit. An expired window is replaced whole, never partially decremented.
func (s *MemoryStore) Check(_ context.Context, key string) (Decision, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.resetAt.Before(now) {
		e = &entry{count: 1, resetAt: now.Add(s.opts.Window)}
		s.entries[key] = e
		return Decision{Allowed: true, Count: 1, ResetAt: e.resetAt}, nil
	}

	e.count++
	d := Decision{Count: e.count, ResetAt: e.resetAt}
	if e.count > s.opts.MaxRequests {
		d.RetryAfter = retryAfter(e.resetAt, now)
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

// Sweep removes every entry whose window has passed.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if e.resetAt.Before(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Sweep every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep()
			}
		}
	}()
}

// Len returns the number of tracked clients.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
