package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/config"
	"github.com/kjstillabower/minibackends/internal/flights"
	httphandler "github.com/kjstillabower/minibackends/internal/http"
	"github.com/kjstillabower/minibackends/internal/observability"
	"github.com/kjstillabower/minibackends/internal/storage"
	"github.com/kjstillabower/minibackends/internal/xmlfeed"
)

func main() {
	logger, err := observability.NewLogger("flights")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	db, err := storage.New(cfg.FlightsDatabase.Driver, cfg.FlightsDatabase.DSN)
	if err != nil {
		logger.Fatal("database", zap.Error(err), zap.String("driver", cfg.FlightsDatabase.Driver))
	}
	repo := storage.NewRepository(db)
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("database close", zap.Error(err))
		}
	}()

	sources := make([]flights.Source, 0, len(cfg.FlightsSources))
	for _, s := range cfg.FlightsSources {
		sources = append(sources, flights.Source{File: s.File, Name: s.Name})
	}
	flightService := flights.NewService(repo, cfg.FlightsXMLDataDir, sources, xmlfeed.Route{
		Origin:      cfg.FlightsOrigin,
		Destination: cfg.FlightsDestination,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := flightService.Load(ctx)
	if err != nil {
		logger.Fatal("load flights", zap.Error(err), zap.String("dir", cfg.FlightsXMLDataDir))
	}
	logger.Info("flights loaded", zap.Int("rows", loaded))

	health := httphandler.NewHealthHandler(httphandler.HealthConfig{
		Service:          "flights",
		Window:           cfg.HealthWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		Checks: map[string]httphandler.CheckFunc{
			"database": repo.Ping,
		},
	}, logger)

	limiter := httphandler.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	observability.RegisterRateLimitGauges(cfg.HealthWindow)

	router := mux.NewRouter()
	router.Use(httphandler.RecoveryMiddleware(logger))
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.Handle("/health", health).Methods("GET").Name(httphandler.RouteNameHealth)
	router.Handle("/metrics", observability.MetricsHandler()).Methods("GET").Name(httphandler.RouteNameMetrics)
	api := router.NewRoute().Subrouter()
	api.Use(httphandler.RateLimitMiddleware(limiter))
	api.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	httphandler.NewFlightsHandler(flightService, cfg.FlightsAllowReload, logger).Register(api)

	err = httphandler.Serve(ctx, httphandler.ServerConfig{
		Addr:            ":" + cfg.FlightsPort,
		Handler:         handlers.CompressHandler(router),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
	if err != nil {
		logger.Error("server", zap.Error(err))
	}
}
