package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := NewFixedWindowLimiter(client, "test:ratelimit", limit, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, srv
}

func TestFixedWindowLimiterBlocksAfterLimit(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "user-1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d should pass: %+v %v", i, d, err)
		}
		if d.Remaining != 1-i {
			t.Fatalf("request %d remaining = %d", i, d.Remaining)
		}
	}
	d, err := limiter.Allow(ctx, "user-1")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("third request should be blocked")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry after %v", d.RetryAfter)
	}
	if d, _ := limiter.Allow(ctx, "user-2"); !d.Allowed {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	limiter, srv := newTestLimiter(t, 1)
	srv.Close()
	d, err := limiter.Allow(context.Background(), "user-1")
	if err == nil || d.Allowed {
		t.Fatalf("limiter should fail closed on redis errors, got %+v %v", d, err)
	}
}

func TestFixedWindowLimiterRequiresClient(t *testing.T) {
	limiter, err := NewFixedWindowLimiter(nil, "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for nil client")
	}
}
