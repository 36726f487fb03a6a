// Package data provides data access layer implementations.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache key prefixes. Keys are BuildCacheKey(prefix, parts...).
const (
	// CacheKeyPoolAccounts caches the filtered account list per group:
	// pool:accounts:{groupKey}
	CacheKeyPoolAccounts = "pool:accounts"
	// CacheKeyGroupByKey caches the SK -> group resolution: auth:group
	CacheKeyGroupByKey = "auth:group"
	// CacheKeyRefreshFail counts consecutive refresh failures per account:
	// refresh:fail:{accountId}
	CacheKeyRefreshFail = "refresh:fail"
	// CacheKeyAlert dedupes webhook alert firings: alert:{alertKey}
	CacheKeyAlert = "alert"
	// CacheKeySyncRate is the per-IP sync-delete fixed window: sync:rate:{ip}
	CacheKeySyncRate = "sync:rate"
)

// Cache TTLs.
const (
	// TTLPoolAccounts is the account-list snapshot TTL.
	TTLPoolAccounts = 60 * time.Second
	// TTLGroupByKey is the SK -> group lookup TTL.
	TTLGroupByKey = 60 * time.Second
	// TTLRefreshFail keeps failure counters long enough to cross the ban
	// threshold across several refresher ticks.
	TTLRefreshFail = 24 * time.Hour
	// TTLAlert suppresses repeated webhook firings per alert key.
	TTLAlert = 30 * time.Minute
)

// ErrCacheNotFound is returned when a cache key does not exist.
var ErrCacheNotFound = errors.New("cache: key not found")

// CacheClient is the JSON-serializing cache used by the repositories.
// Implementations must be safe for concurrent use.
type CacheClient interface {
	// Get deserializes the cached value into dest.
	// Returns ErrCacheNotFound when the key is absent.
	Get(ctx context.Context, key string, dest interface{}) error

	// Set stores value as JSON with the given TTL. A zero TTL persists the
	// key; stale-while-unavailable snapshots rely on that.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Incr increments an integer counter, setting ttl on first increment.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

type redisCache struct {
	client *redis.Client
}

// NewCacheClient creates the Redis-backed cache client. A nil Redis client
// yields graceful failures on every operation.
func NewCacheClient(rdb *redis.Client) CacheClient {
	return &redisCache{client: rdb}
}

func (c *redisCache) Get(ctx context.Context, key string, dest interface{}) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheNotFound
		}
		return fmt.Errorf("cache: failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("cache: failed to unmarshal value for key %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: failed to marshal value for key %s: %w", key, err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: failed to set key %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) error {
	if c.client == nil {
		return errors.New("cache: redis client is nil")
	}

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: failed to delete key %s: %w", key, err)
	}
	return nil
}

func (c *redisCache) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if c.client == nil {
		return 0, errors.New("cache: redis client is nil")
	}

	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: failed to incr key %s: %w", key, err)
	}
	if count == 1 && ttl > 0 {
		// First increment opens the window.
		_ = c.client.Expire(ctx, key, ttl).Err()
	}
	return count, nil
}

// BuildCacheKey constructs a cache key with the appropriate prefix.
// Example: BuildCacheKey(CacheKeyPoolAccounts, "__all__") -> "pool:accounts:__all__".
func BuildCacheKey(prefix string, parts ...string) string {
	key := prefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}
