package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFixedWindowLimiterRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", 2, time.Minute)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "user-1").Allowed {
		t.Fatalf("first send should pass")
	}
	if !limiter.Allow(ctx, "user-1").Allowed {
		t.Fatalf("second send should pass")
	}
	d := limiter.Allow(ctx, "user-1")
	if d.Allowed {
		t.Fatalf("third send should be blocked")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry after: %s", d.RetryAfter)
	}
	if !limiter.Allow(ctx, "user-2").Allowed {
		t.Fatalf("other keys keep their own quota")
	}
}

func TestFixedWindowLimiterRedisFailClosed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	limiter, err := NewRedisFixedWindowLimiter(client, "test:ratelimit", 1, time.Second)
	if err != nil {
		t.Fatalf("new redis limiter: %v", err)
	}
	mr.Close()
	if limiter.Allow(context.Background(), "ip-1").Allowed {
		t.Fatalf("limiter should fail closed on redis errors")
	}
}

func TestFixedWindowLimiterRequiresClient(t *testing.T) {
	limiter, err := NewRedisFixedWindowLimiter(nil, "test:ratelimit", 1, time.Second)
	if err == nil || limiter != nil {
		t.Fatalf("expected constructor error for nil redis client")
	}
}

func TestMemoryFixedWindowLimiterResets(t *testing.T) {
	limiter, err := NewMemoryFixedWindowLimiter(1, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("new memory limiter: %v", err)
	}
	ctx := context.Background()
	if !limiter.Allow(ctx, "ip-1").Allowed {
		t.Fatalf("first connect should pass")
	}
	if limiter.Allow(ctx, "ip-1").Allowed {
		t.Fatalf("second connect should be blocked")
	}
	time.Sleep(40 * time.Millisecond)
	if !limiter.Allow(ctx, "ip-1").Allowed {
		t.Fatalf("window should reset")
	}
}
