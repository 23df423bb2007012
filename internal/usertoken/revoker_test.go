package usertoken

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryRevokerExpires(t *testing.T) {
	r := NewMemoryRevoker()
	ctx := context.Background()

	if err := r.Revoke(ctx, "jti-1", 20*time.Millisecond); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); !revoked {
		t.Fatalf("expected jti-1 revoked")
	}
	time.Sleep(30 * time.Millisecond)
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("expected revocation to lapse with token lifetime")
	}
	if err := r.Revoke(ctx, "jti-2", 0); err != nil {
		t.Fatalf("revoke zero ttl: %v", err)
	}
	if revoked, _ := r.IsRevoked(ctx, "jti-2"); revoked {
		t.Fatalf("zero ttl should be a no-op")
	}
}

func TestRedisRevoker(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	r := NewRedisRevoker(client, "")
	ctx := context.Background()

	if revoked, err := r.IsRevoked(ctx, "jti-1"); err != nil || revoked {
		t.Fatalf("expected not revoked, got revoked=%v err=%v", revoked, err)
	}
	if err := r.Revoke(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !mr.Exists("motochat:revoked:jti-1") {
		t.Fatalf("expected revocation key in redis")
	}
	if revoked, err := r.IsRevoked(ctx, "jti-1"); err != nil || !revoked {
		t.Fatalf("expected revoked, got revoked=%v err=%v", revoked, err)
	}

	mr.FastForward(2 * time.Minute)
	if revoked, _ := r.IsRevoked(ctx, "jti-1"); revoked {
		t.Fatalf("expected key to expire")
	}
}

func TestRedisRevokerFailsClosedOnError(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	r := NewRedisRevoker(client, "rv")
	mr.Close()

	if _, err := r.IsRevoked(context.Background(), "jti-1"); err == nil {
		t.Fatalf("expected error when redis is unavailable")
	}
}
