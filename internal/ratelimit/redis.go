package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter, starts the window on the first
// hit and returns {count, remaining ms}.
var fixedWindowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisStore shares the fixed-window counters between replicas.
// Redis failures fail open: the request is allowed and the error logged.
type RedisStore struct {
	rdb    redis.UniversalClient
	opts   Options
	prefix string
	logger *slog.Logger
	now    func() time.Time
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the namespace for counter keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = strings.Trim(prefix, ":") }
}

// WithLogger sets the logger used for fail-open reports.
func WithLogger(l *slog.Logger) RedisOption {
	return func(s *RedisStore) { s.logger = l }
}

// NewRedisStore creates a store backed by rdb.
func NewRedisStore(rdb redis.UniversalClient, opts Options, options ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		opts:   opts.withDefaults(),
		prefix: "ratelimit",
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Check implements Limiter.
func (s *RedisStore) Check(ctx context.Context, key string) (Decision, error) {
	now := s.now()

	vals, err := fixedWindowScript.Run(ctx, s.rdb, []string{s.key(key)}, s.opts.Window.Milliseconds()).Int64Slice()
	if err != nil || len(vals) != 2 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply of %d values", len(vals))
		}
		s.logger.Warn("rate limit store unavailable, allowing request",
			"key", key,
			"error", err,
		)
		return Decision{Allowed: true}, nil
	}

	count := int(vals[0])
	resetAt := now.Add(time.Duration(vals[1]) * time.Millisecond)

	d := Decision{Count: count, ResetAt: resetAt}
	if count > s.opts.MaxRequests {
		d.RetryAfter = retryAfter(resetAt, now)
		return d, nil
	}
	d.Allowed = true
	return d, nil
}

func (s *RedisStore) key(client string) string {
	return s.prefix + ":window:" + client
}
