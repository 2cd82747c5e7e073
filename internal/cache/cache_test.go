package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/minibackends/internal/models"
)

// TestInMemoryCache_GetSet verifies that Set stores values and Get retrieves
// them correctly with the expected data.
func TestInMemoryCache_GetSet(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache[models.Observation]()

	val := models.Observation{EpochTime: 1700000000, TemperatureC: 12.5, WeatherText: "Sunny"}
	if err := c.Set(ctx, "current:295954", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, "current:295954")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got != val {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
}

// TestInMemoryCache_Get_Miss verifies that Get returns ok=false when
// the requested key does not exist in cache.
func TestInMemoryCache_Get_Miss(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache[[]models.Observation]()

	got, ok, err := c.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for miss")
	}
	if got != nil {
		t.Errorf("Get() = %v, want zero value", got)
	}
}

// TestInMemoryCache_Get_Expired verifies that Get returns ok=false for expired
// entries and removes them from cache on access.
func TestInMemoryCache_Get_Expired(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache[int]()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if err := c.Set(ctx, "k", 7, 300*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	now = now.Add(299 * time.Second)
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Fatal("Get() ok = false before TTL elapsed, want true")
	}

	now = now.Add(time.Second)
	_, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true, want false for expired entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, expired entry should be deleted from cache", c.Len())
	}
}

// TestInMemoryCache_Set_Overwrites verifies that a second Set replaces the value and TTL.
func TestInMemoryCache_Set_Overwrites(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache[string]()

	_ = c.Set(ctx, "k", "old", time.Minute)
	_ = c.Set(ctx, "k", "new", time.Minute)

	got, ok, _ := c.Get(ctx, "k")
	if !ok || got != "new" {
		t.Errorf("Get() = %q, %v, want new, true", got, ok)
	}
}

// TestInMemoryCache_Concurrent verifies that concurrent Get and Set do not race.
func TestInMemoryCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = c.Set(ctx, "shared", i, time.Minute)
		}(i)
		go func() {
			defer wg.Done()
			_, _, _ = c.Get(ctx, "shared")
		}()
	}
	wg.Wait()

	if _, ok, _ := c.Get(ctx, "shared"); !ok {
		t.Error("Get() ok = false after concurrent writes, want true")
	}
}

// TestExpirationSeconds verifies TTL conversion to memcached relative expiration.
func TestExpirationSeconds(t *testing.T) {
	tests := []struct {
		name string
		ttl  time.Duration
		want int32
	}{
		{"five minutes", 5 * time.Minute, 300},
		{"rounds up sub-second", 1500 * time.Millisecond, 2},
		{"zero falls back", 0, 3600},
		{"beyond 30 days falls back", 31 * 24 * time.Hour, 3600},
		{"exactly 30 days", 30 * 24 * time.Hour, 30 * 24 * 60 * 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := expirationSeconds(tt.ttl); got != tt.want {
				t.Errorf("expirationSeconds(%v) = %d, want %d", tt.ttl, got, tt.want)
			}
		})
	}
}

// TestParseAddrs verifies comma-separated server lists are trimmed and empties dropped.
func TestParseAddrs(t *testing.T) {
	got := parseAddrs(" host1:11211, ,host2:11211 ")
	if len(got) != 2 || got[0] != "host1:11211" || got[1] != "host2:11211" {
		t.Errorf("parseAddrs() = %v, want [host1:11211 host2:11211]", got)
	}
	if got := parseAddrs(""); len(got) != 0 {
		t.Errorf("parseAddrs(\"\") = %v, want empty", got)
	}
}

// TestMemcachedCache_Key verifies keys are prefixed and whitespace is replaced.
func TestMemcachedCache_Key(t *testing.T) {
	c := NewMemcachedCache[int](nil, "weather:")
	if got := c.key("historical:295954"); got != "weather:historical:295954" {
		t.Errorf("key() = %q", got)
	}
	if got := c.key("a b\tc"); got != "weather:a_b_c" {
		t.Errorf("key() = %q, want weather:a_b_c", got)
	}
}

// TestMemcachedCache_CanceledContext verifies Get and Set fail fast without touching the network.
func TestMemcachedCache_CanceledContext(t *testing.T) {
	c := NewMemcachedCache[int](NewMemcachedClient("127.0.0.1:1", 10*time.Millisecond, 1), "t:")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := c.Get(ctx, "k"); err == nil {
		t.Error("Get() error = nil, want context error")
	}
	if err := c.Set(ctx, "k", 1, time.Minute); err == nil {
		t.Error("Set() error = nil, want context error")
	}
}
