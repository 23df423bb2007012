package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter limits events per key.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// FixedWindowLimiter limits events per key in a fixed window shared through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	client *redis.Client
	prefix string
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "motochat:ratelimit"
	}
	return &FixedWindowLimiter{limit: limit, window: window, client: client, prefix: prefix}, nil
}

// Allow reports whether key is within quota. Redis failures fail closed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) Decision {
	if l == nil {
		return Decision{RetryAfter: time.Second}
	}
	key = normalizeKey(key)
	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(res) != 2 {
		return Decision{RetryAfter: time.Second}
	}
	if res[0] <= int64(l.limit) {
		return Decision{Allowed: true}
	}
	retry := time.Duration(res[1]) * time.Millisecond
	if retry <= 0 {
		retry = l.window
	}
	return Decision{RetryAfter: retry}
}

// MemoryFixedWindowLimiter is the single-process counterpart of FixedWindowLimiter.
type MemoryFixedWindowLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewMemoryFixedWindowLimiter creates an in-process limiter.
func NewMemoryFixedWindowLimiter(limit int, window time.Duration) (*MemoryFixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &MemoryFixedWindowLimiter{limit: limit, window: window, buckets: make(map[string]bucket)}, nil
}

func (l *MemoryFixedWindowLimiter) Allow(_ context.Context, key string) Decision {
	key = normalizeKey(key)
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = bucket{resetAt: now.Add(l.window)}
		if len(l.buckets) > 10000 {
			l.evictExpired(now)
		}
	}
	b.count++
	l.buckets[key] = b
	if b.count <= l.limit {
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: b.resetAt.Sub(now)}
}

func (l *MemoryFixedWindowLimiter) evictExpired(now time.Time) {
	for k, b := range l.buckets {
		if !now.Before(b.resetAt) {
			delete(l.buckets, k)
		}
	}
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
