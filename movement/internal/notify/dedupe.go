package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/clock"
)

// MemoryDeduper remembers claimed keys in process until their TTL passes.
type MemoryDeduper struct {
	clock clock.Clock

	mu     sync.Mutex
	claims map[string]time.Time
}

func NewMemoryDeduper(c clock.Clock) *MemoryDeduper {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryDeduper{clock: c, claims: make(map[string]time.Time)}
}

func (d *MemoryDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if exp, ok := d.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	d.claims[key] = now.Add(ttl)
	if len(d.claims) > 1024 {
		for k, exp := range d.claims {
			if !now.Before(exp) {
				delete(d.claims, k)
			}
		}
	}
	return true, nil
}

func (d *MemoryDeduper) Release(ctx context.Context, key string) error {
	d.mu.Lock()
	delete(d.claims, key)
	d.mu.Unlock()
	return nil
}

// RedisDeduper shares claimed keys across service instances.
type RedisDeduper struct {
	client *redis.Client
	prefix string
}

func NewRedisDeduper(addr, password string, db int) *RedisDeduper {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisDeduper{client: rdb, prefix: "movement:notify:"}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, key string) error {
	if err := d.client.Del(ctx, d.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
