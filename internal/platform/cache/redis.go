// Package cache wraps the shared Redis connection used for read-through caches.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quicrefill/api/internal/platform/config"
)

// NewRedisClient opens the shared connection and verifies it with PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("cache: redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return client, nil
}

// KV is the subset of the Redis API the JSON cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// JSONCache stores JSON-encoded values under a key prefix with a fixed TTL.
type JSONCache struct {
	kv     KV
	prefix string
	ttl    time.Duration
}

// NewJSONCache constructs a cache namespace.
func NewJSONCache(kv KV, prefix string, ttl time.Duration) *JSONCache {
	return &JSONCache{kv: kv, prefix: prefix, ttl: ttl}
}

// Get decodes the cached value into dest and reports whether it was present.
func (c *JSONCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.kv.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

// Set stores value for the namespace TTL.
func (c *JSONCache) Set(ctx context.Context, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := c.kv.Set(ctx, c.prefix+key, payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *JSONCache) Delete(ctx context.Context, key string) error {
	if err := c.kv.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: delete %s: %w", key, err)
	}
	return nil
}
