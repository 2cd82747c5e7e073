package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/config"
	"github.com/kjstillabower/minibackends/internal/events"
	httphandler "github.com/kjstillabower/minibackends/internal/http"
	"github.com/kjstillabower/minibackends/internal/observability"
	"github.com/kjstillabower/minibackends/internal/shortener"
	"github.com/kjstillabower/minibackends/internal/storage"
)

func main() {
	logger, err := observability.NewLogger("shortener")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	db, err := storage.New(cfg.ShortenerDatabase.Driver, cfg.ShortenerDatabase.DSN)
	if err != nil {
		logger.Fatal("database", zap.Error(err), zap.String("driver", cfg.ShortenerDatabase.Driver))
	}
	repo := storage.NewRepository(db)
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("database close", zap.Error(err))
		}
	}()
	logger.Info("database ready", zap.String("driver", cfg.ShortenerDatabase.Driver))

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.EventsEnabled {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		if err != nil {
			logger.Fatal("kafka publisher", zap.Error(err))
		}
		publisher = kp
		logger.Info("link events enabled", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	links := shortener.NewService(repo, publisher, shortener.RandomCode(cfg.ShortenerCodeLength), cfg.ShortenerMaxAttempts, logger)
	limiter := httphandler.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	observability.RegisterRateLimitGauges(cfg.HealthWindow)

	health := httphandler.NewHealthHandler(httphandler.HealthConfig{
		Service:          "shortener",
		Window:           cfg.HealthWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Checks: map[string]httphandler.CheckFunc{
			"database": repo.Ping,
		},
	}, logger)

	router := mux.NewRouter()
	router.Use(httphandler.RecoveryMiddleware(logger))
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.Handle("/health", health).Methods("GET").Name(httphandler.RouteNameHealth)
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET").Name(httphandler.RouteNameMetrics)

	api := router.NewRoute().Subrouter()
	api.Use(httphandler.RateLimitMiddleware(limiter))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	httphandler.NewShortenerHandler(links, cfg.ShortenerBaseURL, logger).Register(api)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = httphandler.Serve(ctx, httphandler.ServerConfig{
		Addr:            ":" + cfg.ShortenerPort,
		Handler:         handlers.ProxyHeaders(router),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
	if err != nil {
		logger.Error("server", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := publisher.Close(closeCtx); err != nil {
		logger.Error("event publisher close", zap.Error(err))
	}
}
