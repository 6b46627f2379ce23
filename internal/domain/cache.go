package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. Used for per-shopper
// applicability results and coupon metadata. All methods require a store
// code for strict per-store isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, storeCode string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, storeCode string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, storeCode string, key string) error

	// GetRuleIDs retrieves a cached applicable-rule list. The second return
	// distinguishes a cached empty list from a miss.
	GetRuleIDs(ctx context.Context, storeCode string, key string) ([]string, bool, error)

	// SetRuleIDs caches an applicable-rule list.
	SetRuleIDs(ctx context.Context, storeCode string, key string, ruleIDs []string, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
