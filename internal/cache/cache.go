package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is a TTL cache for values of type T.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (T, bool, error)
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
}

// InMemoryCache implements Cache using an in-memory map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache[T any] struct {
	mu   sync.Mutex
	data map[string]cacheEntry[T]
	now  func() time.Time
}

// cacheEntry stores a cached value with expiration timestamp.
type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache[T any]() *InMemoryCache[T] {
	return &InMemoryCache[T]{
		data: make(map[string]cacheEntry[T]),
		now:  time.Now,
	}
}

// Get retrieves the cached value for key if present and not expired.
// Returns (value, true, nil) on cache hit, (zero, false, nil) on miss or expiration.
// Expired entries are removed from the cache.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return zero, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.data, key)
		return zero, false, nil
	}
	return entry.value, true, nil
}

// Set stores value under key for ttl.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry[T]{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *InMemoryCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
