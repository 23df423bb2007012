package servicetoken

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard records token ids until they expire. Consume reports true the
// first time an id is seen.
type ReplayGuard interface {
	Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error)
}

// MemoryReplayGuard tracks seen ids in-process.
type MemoryReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryReplayGuard() *MemoryReplayGuard {
	return &MemoryReplayGuard{seen: make(map[string]time.Time)}
}

func (g *MemoryReplayGuard) Consume(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for key, exp := range g.seen {
		if now.After(exp) {
			delete(g.seen, key)
		}
	}
	if _, ok := g.seen[id]; ok {
		return false, nil
	}
	g.seen[id] = expiresAt
	return true, nil
}

// RedisReplayGuard shares seen ids between replicas.
type RedisReplayGuard struct {
	client *redis.Client
	prefix string
}

// NewRedisReplayGuard stores ids as "<prefix>:<id>".
func NewRedisReplayGuard(client *redis.Client, prefix string) *RedisReplayGuard {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "motochat:service-jti"
	}
	return &RedisReplayGuard{client: client, prefix: prefix}
}

func (g *RedisReplayGuard) Consume(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return g.client.SetNX(ctx, g.prefix+":"+id, "1", ttl).Result()
}
