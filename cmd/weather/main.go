package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/cache"
	"github.com/kjstillabower/minibackends/internal/circuitbreaker"
	"github.com/kjstillabower/minibackends/internal/client"
	"github.com/kjstillabower/minibackends/internal/config"
	httphandler "github.com/kjstillabower/minibackends/internal/http"
	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/observability"
	"github.com/kjstillabower/minibackends/internal/service"
	"github.com/kjstillabower/minibackends/internal/storage"
)

func main() {
	logger, err := observability.NewLogger("weather")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	db, err := storage.New(cfg.WeatherDatabase.Driver, cfg.WeatherDatabase.DSN)
	if err != nil {
		logger.Fatal("database", zap.Error(err), zap.String("driver", cfg.WeatherDatabase.Driver))
	}
	repo := storage.NewRepository(db)
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("database close", zap.Error(err))
		}
	}()

	weatherClient, err := client.NewAccuWeatherClient(client.Options{
		APIKey:         cfg.WeatherAPIKey,
		BaseURL:        cfg.WeatherAPIURL,
		LocationKey:    cfg.WeatherLocationKey,
		Timeout:        cfg.WeatherAPITimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
	})
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if !weatherClient.HasAPIKey() {
		logger.Warn("WEATHER_API_KEY not set; serving stored data only")
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailures,
			SuccessThreshold: cfg.CircuitBreakerHalfOpen,
			Timeout:          cfg.CircuitBreakerCooldown,
			Component:        client.UpstreamName,
			IsFailure:        client.CountsAgainstBreaker,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition", zap.String("component", component),
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		weatherClient.SetCircuitBreaker(cb)
		observability.CircuitBreakerState.WithLabelValues(client.UpstreamName).Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailures), zap.Duration("cooldown", cfg.CircuitBreakerCooldown))
	}

	var (
		currentCache    cache.Cache[models.Observation]
		historicalCache cache.Cache[[]models.Observation]
		memcache        *cache.MemcachedClient
	)
	switch cfg.CacheBackend {
	case "memcached":
		memcache = cache.NewMemcachedClient(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		currentCache = cache.NewMemcachedCache[models.Observation](memcache, "weather:")
		historicalCache = cache.NewMemcachedCache[[]models.Observation](memcache, "weather:")
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		currentCache = cache.NewInMemoryCache[models.Observation]()
		historicalCache = cache.NewInMemoryCache[[]models.Observation]()
		logger.Info("cache backend: in_memory")
	}

	weatherService := service.NewWeatherService(weatherClient, repo, currentCache, historicalCache, service.Config{
		LocationKey:   cfg.WeatherLocationKey,
		CurrentTTL:    cfg.WeatherCurrentTTL,
		HistoricalTTL: cfg.WeatherHistoricalTTL,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WeatherWarmInterval > 0 && weatherClient.HasAPIKey() {
		warmer := cache.NewCacheWarmer(weatherService.WarmTasks(), logger)
		warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warmer.Warm(warmCtx); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
		go func() {
			if err := warmer.WarmPeriodic(ctx, cfg.WeatherWarmInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("periodic cache warming stopped", zap.Error(err))
			}
		}()
	}

	checks := map[string]httphandler.CheckFunc{"database": repo.Ping}
	if memcache != nil {
		checks["cache"] = func(context.Context) error { return memcache.Ping() }
	}
	health := httphandler.NewHealthHandler(httphandler.HealthConfig{
		Service:          "weather",
		Window:           cfg.HealthWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Checks:           checks,
	}, logger)

	limiter := httphandler.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	observability.RegisterRateLimitGauges(cfg.HealthWindow)

	router := mux.NewRouter()
	router.Use(httphandler.RecoveryMiddleware(logger))
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.Handle("/health", health).Methods("GET").Name(httphandler.RouteNameHealth)
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET").Name(httphandler.RouteNameMetrics)
	router.HandleFunc("/favicon.ico", httphandler.Favicon).Methods("GET")
	weatherRouter := router.NewRoute().Subrouter()
	weatherRouter.Use(httphandler.RateLimitMiddleware(limiter))
	weatherRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	httphandler.NewWeatherHandler(weatherService, logger).Register(weatherRouter)

	err = httphandler.Serve(ctx, httphandler.ServerConfig{
		Addr:            ":" + cfg.WeatherPort,
		Handler:         router,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
	if err != nil {
		logger.Error("server", zap.Error(err))
	}

	if memcache != nil {
		if err := memcache.Close(); err != nil {
			logger.Error("memcached close", zap.Error(err))
		}
	}
}
