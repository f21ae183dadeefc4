package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore_FailsOpen(t *testing.T) {
	t.Parallel()

	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	s := NewRedisStore(rdb, Options{MaxRequests: 1})
	for i := 0; i < 3; i++ {
		d, err := s.Check(context.Background(), "k")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("request %d denied while redis is down, want allowed", i+1)
		}
	}
}

func TestRedisStatsStore_NilIsNoop(t *testing.T) {
	t.Parallel()

	var s *RedisStatsStore
	if err := s.Record(context.Background(), StatsEvent{Allowed: true}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// The tests below need a live server; set REDIS_TEST_ADDR to run them.
func testRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestRedisStore_FixedWindow(t *testing.T) {
	rdb := testRedis(t)

	prefix := "test:" + uuid.NewString()
	s := NewRedisStore(rdb, Options{MaxRequests: 5, Window: time.Minute}, WithKeyPrefix(prefix))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := s.Check(ctx, "203.0.113.9")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: got %+v, %v; want allowed", i, d, err)
		}
		if d.Count != i {
			t.Errorf("request %d: Count got %d, want %d", i, d.Count, i)
		}
	}

	d, err := s.Check(ctx, "203.0.113.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("6th request allowed, want denied")
	}
	if secs := d.RetryAfterSeconds(); secs < 1 || secs > 60 {
		t.Errorf("RetryAfterSeconds: got %d, want 1..60", secs)
	}
}

func TestRedisStatsStore_Record(t *testing.T) {
	rdb := testRedis(t)

	prefix := "test:" + uuid.NewString()
	s := NewRedisStatsStore(rdb, WithStatsPrefix(prefix), WithStatsTTL(time.Minute))
	ctx := context.Background()

	s.Record(ctx, StatsEvent{Key: "k", Allowed: true, Method: "POST", Path: "/api/contact"})
	s.Record(ctx, StatsEvent{Key: "k", Allowed: false, Method: "POST", Path: "/api/contact"})

	total, err := rdb.HGetAll(ctx, prefix+":total").Result()
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if total["allowed"] != "1" || total["denied"] != "1" {
		t.Errorf("totals: got %v, want allowed=1 denied=1", total)
	}

	route, _ := rdb.HGet(ctx, prefix+":route", "POST /api/contact:denied").Result()
	if route != "1" {
		t.Errorf("route denied: got %q, want %q", route, "1")
	}
}
