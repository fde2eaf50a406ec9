// Package revocation is the denylist of access-token identifiers (jti). An entry lives exactly as
// long as the token it blocks could still be presented.
package revocation

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"campus-auth/backend/internal/platform/dependency"
)

// KeyPrefix namespaces denylist entries in the shared cache.
const KeyPrefix = "bl_jti:"

// Cache is a TTL key-value sink. Absence of a key means not revoked.
type Cache interface {
	// Set stores a marker under key for ttl.
	Set(ctx context.Context, key string, ttl time.Duration) error
	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisCache is a Cache backed by Redis. Errors are wrapped as dependency.ErrUnavailable.
type RedisCache struct {
	client redis.UniversalClient
}

// NewRedisCache returns a Cache using client. The caller owns the client's lifecycle.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Set stores "1" under key with expiry ttl.
func (c *RedisCache) Set(ctx context.Context, key string, ttl time.Duration) error {
	return dependency.Unavailable("redis", c.client.Set(ctx, key, "1", ttl).Err())
}

// Exists reports whether key is present.
func (c *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, dependency.Unavailable("redis", err)
	}
	return n > 0, nil
}

// MemoryCache is a process-local Cache for development and tests. It is not shared across instances.
type MemoryCache struct {
	mu   sync.RWMutex
	m    map[string]time.Time
	nowF func() time.Time
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		m:    make(map[string]time.Time),
		nowF: time.Now,
	}
}

// Set stores key until now+ttl.
func (c *MemoryCache) Set(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = c.nowF().Add(ttl)
	return nil
}

// Exists reports whether key is present and unexpired; expired keys are evicted.
func (c *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.RLock()
	exp, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if !exp.After(c.nowF()) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return false, nil
	}
	return true, nil
}

// Len returns the number of stored keys, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
