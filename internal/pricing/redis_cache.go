package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/mo"
)

const redisKeyPrefix = "tally:pricing:"

// RedisCache shares resolved prices between server instances. Redis failures
// degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a RedisCache. A non-positive ttl uses DefaultCacheTTL.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get reads the entry for key. Expiry is enforced by redis.
func (c *RedisCache) Get(ctx context.Context, key string) mo.Option[Pricing] {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Warn("pricing cache read failed", "key", key, "error", err)
		}
		return mo.None[Pricing]()
	}
	var p Pricing
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("pricing cache entry corrupt", "key", key, "error", err)
		return mo.None[Pricing]()
	}
	return mo.Some(p)
}

// Set writes p with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, key string, p Pricing) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		slog.Warn("pricing cache write failed", "key", key, "error", err)
	}
}

// Delete drops key.
func (c *RedisCache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		slog.Warn("pricing cache delete failed", "key", key, "error", err)
	}
}
