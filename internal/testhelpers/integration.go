//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/minibackends/internal/cache"
	"github.com/kjstillabower/minibackends/internal/client"
	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/service"
	"github.com/kjstillabower/minibackends/internal/storage"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	LocationKey   string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	t.Helper()
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        envOr("WEATHER_API_URL", "https://dataservice.accuweather.com"),
		LocationKey:   envOr("WEATHER_LOCATION_KEY", "295954"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: envOr("MEMCACHED_ADDRS", "localhost:11211"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SetupSQLiteRepository opens a migrated SQLite database in a temp dir, closed on cleanup.
func SetupSQLiteRepository(t *testing.T) *storage.Repository {
	t.Helper()
	db, err := storage.New(storage.DriverSQLite, filepath.Join(t.TempDir(), "integration.db"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	repo := storage.NewRepository(db)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

// SetupIntegrationService builds a weather service against the live API and a
// temp SQLite store. Memcached is used when requested and reachable.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, *storage.Repository) {
	t.Helper()
	weatherClient, err := client.NewAccuWeatherClient(client.Options{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.APIURL,
		LocationKey: cfg.LocationKey,
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewAccuWeatherClient() error = %v", err)
	}

	var (
		current    cache.Cache[models.Observation]    = cache.NewInMemoryCache[models.Observation]()
		historical cache.Cache[[]models.Observation] = cache.NewInMemoryCache[[]models.Observation]()
	)
	if cfg.CacheBackend == "memcached" {
		mc := cache.NewMemcachedClient(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err := mc.Ping(); err != nil {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
		} else {
			t.Cleanup(func() { _ = mc.Close() })
			current = cache.NewMemcachedCache[models.Observation](mc, "itest:")
			historical = cache.NewMemcachedCache[[]models.Observation](mc, "itest:")
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		}
	}

	repo := SetupSQLiteRepository(t)
	svc := service.NewWeatherService(weatherClient, repo, current, historical, service.Config{
		LocationKey:   cfg.LocationKey,
		CurrentTTL:    5 * time.Minute,
		HistoricalTTL: 10 * time.Minute,
	}, nil)
	return svc, repo
}
