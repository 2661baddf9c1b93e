package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces fingerprint keys in a shared Redis instance.
const keyPrefix = "dedup:"

// RedisCache backs the fingerprint cache with Redis, for deployments
// where multiple ingest instances must share dedup state. SET NX PX is
// atomic on the server, which gives the same check-and-set guarantee as
// the in-process shard locks. TTL handling is delegated to Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl}, nil
}

// Put records a fingerprint. Backend errors are returned as-is so the
// filter can fail closed.
func (c *RedisCache) Put(ctx context.Context, fingerprint string) (bool, error) {
	fresh, err := c.client.SetNX(ctx, keyPrefix+fingerprint, 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return fresh, nil
}

// Ping verifies the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
