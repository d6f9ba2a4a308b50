package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache stores entries in Redis under a fixed namespace prefix
type RedisCache struct {
	redis  *redis.Client
	prefix string
}

// NewRedisCache creates a cache whose keys are stored as "<prefix>:<key>"
func NewRedisCache(redisClient *redis.Client, prefix string) *RedisCache {
	return &RedisCache{redis: redisClient, prefix: prefix}
}

func (c *RedisCache) key(k string) string {
	return fmt.Sprintf("%s:%s", c.prefix, k)
}

// Get returns the stored blob or ErrMiss
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.redis.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	return data, nil
}

// Set stores the blob with expiration
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.redis.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %w", key, err)
	}
	return nil
}

// Delete removes keys; missing keys are ignored
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("failed to delete from Redis: %w", err)
	}
	return nil
}
