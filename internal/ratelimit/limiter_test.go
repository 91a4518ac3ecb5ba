package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

// newTestLimiter connects to a local Redis instance and removes rl:test_ keys
// around the test. Skips when Redis is not running.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:*test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client, zaptest.NewLogger(t))
}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

	for i := 1; i <= 3; i++ {
		ok, err := l.Allow(ctx, "test_conn", rule)
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow() #%d = false, want true", i)
		}
	}

	ok, err := l.Allow(ctx, "test_conn", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("expected 4th request to be limited")
	}

	if ra := l.RetryAfter(ctx, "test_conn", rule); ra < 1 || ra > 10 {
		t.Errorf("RetryAfter() = %d, want 1..10", ra)
	}
}

func TestRetryAfter_UnknownKey(t *testing.T) {
	l := newTestLimiter(t)
	if ra := l.RetryAfter(context.Background(), "test_fresh", RulePublic); ra != 10 {
		t.Errorf("RetryAfter() = %d, want full window 10", ra)
	}
}

func TestReset(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	for i := 0; i < RuleTyping.Limit+1; i++ {
		_, _ = l.Allow(ctx, "test_reset", RuleTyping)
	}
	if err := l.Reset(ctx, "test_reset"); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	ok, _ := l.Allow(ctx, "test_reset", RuleTyping)
	if !ok {
		t.Error("expected request allowed after reset")
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client, zaptest.NewLogger(t))

	ok, err := l.Allow(context.Background(), "test_down", RulePublic)
	if err == nil {
		t.Fatal("expected connection error")
	}
	if !ok {
		t.Error("expected fail-open allow on redis error")
	}
}
