package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedClient is a shared connection to one or more memcached servers.
// Several typed caches can sit on one client under different key prefixes.
type MemcachedClient struct {
	client *memcache.Client
}

// NewMemcachedClient creates a client. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedClient(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedClient {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedClient{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedClient) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedClient) Close() error {
	return c.client.Close()
}

// MemcachedCache implements Cache by storing JSON-encoded values in memcached.
type MemcachedCache[T any] struct {
	client *MemcachedClient
	prefix string
}

// NewMemcachedCache returns a typed cache on client. Keys are stored as prefix+key.
func NewMemcachedCache[T any](client *MemcachedClient, prefix string) *MemcachedCache[T] {
	return &MemcachedCache[T]{client: client, prefix: prefix}
}

// key builds a key within memcached's 250-byte, no-whitespace limit.
func (c *MemcachedCache[T]) key(k string) string {
	return c.prefix + strings.Map(func(r rune) rune {
		if r <= ' ' || r == 0x7f {
			return '_'
		}
		return r
	}, k)
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if ctx.Err() != nil {
		return zero, false, ctx.Err()
	}
	item, err := c.client.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("memcached get: %w", err)
	}
	var value T
	if err := json.Unmarshal(item.Value, &value); err != nil {
		return zero, false, fmt.Errorf("memcached decode: %w", err)
	}
	return value, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("memcached encode: %w", err)
	}
	return c.client.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// expirationSeconds converts ttl to a relative memcached expiration.
// Values beyond 30 days would be read as absolute Unix times, so they fall back to 1h.
func expirationSeconds(ttl time.Duration) int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60
	secs := int64(ttl / time.Second)
	if ttl%time.Second != 0 {
		secs++
	}
	if secs <= 0 || secs > maxRelativeExp {
		return 3600
	}
	return int32(secs)
}
