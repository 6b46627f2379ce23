package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, storeCode string, key string) ([]byte, error) {
	if storeCode == "" {
		return nil, fmt.Errorf("storeCode is required")
	}

	fullKey := c.makeKey(storeCode, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, storeCode string, key string, value []byte, ttl time.Duration) error {
	if storeCode == "" {
		return fmt.Errorf("storeCode is required")
	}

	fullKey := c.makeKey(storeCode, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, storeCode string, key string) error {
	if storeCode == "" {
		return fmt.Errorf("storeCode is required")
	}

	fullKey := c.makeKey(storeCode, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetRuleIDs retrieves a cached applicable-rule list.
func (c *RedisCache) GetRuleIDs(ctx context.Context, storeCode string, key string) ([]string, bool, error) {
	data, err := c.Get(ctx, storeCode, key)
	if err != nil || data == nil {
		return nil, false, err
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

// SetRuleIDs caches an applicable-rule list.
func (c *RedisCache) SetRuleIDs(ctx context.Context, storeCode string, key string, ruleIDs []string, ttl time.Duration) error {
	if ruleIDs == nil {
		ruleIDs = []string{}
	}
	bytes, err := json.Marshal(ruleIDs)
	if err != nil {
		return err
	}
	return c.Set(ctx, storeCode, key, bytes, ttl)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(storeCode, key string) string {
	return "shrike:" + storeCode + ":" + key
}
