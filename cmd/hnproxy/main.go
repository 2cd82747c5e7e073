package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/circuitbreaker"
	"github.com/kjstillabower/minibackends/internal/config"
	httphandler "github.com/kjstillabower/minibackends/internal/http"
	"github.com/kjstillabower/minibackends/internal/observability"
	"github.com/kjstillabower/minibackends/internal/proxy"
)

func main() {
	logger, err := observability.NewLogger("hnproxy")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerEnabled {
		breaker = circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailures,
			SuccessThreshold: cfg.CircuitBreakerHalfOpen,
			Timeout:          cfg.CircuitBreakerCooldown,
			Component:        proxy.UpstreamName,
			OnStateChange: func(component string, from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
				logger.Warn("circuit breaker transition", zap.String("component", component),
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
		observability.CircuitBreakerState.WithLabelValues(proxy.UpstreamName).Set(0)
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailures), zap.Duration("cooldown", cfg.CircuitBreakerCooldown))
	}

	relay, err := proxy.New(proxy.Config{
		Upstream:  cfg.ProxyUpstream,
		ProxyBase: cfg.ProxyBaseURL,
		Timeout:   cfg.ProxyTimeout,
		Breaker:   breaker,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("proxy", zap.Error(err))
	}
	logger.Info("relaying", zap.String("upstream", cfg.ProxyUpstream), zap.String("proxy_base", cfg.ProxyBaseURL))

	health := httphandler.NewHealthHandler(httphandler.HealthConfig{
		Service:          "hnproxy",
		Window:           cfg.HealthWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
	}, logger)

	// The upstream site owns /health and /metrics, so local endpoints use a __ prefix.
	router := mux.NewRouter()
	router.Use(httphandler.RecoveryMiddleware(logger))
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.Handle("/__health", health).Methods("GET").Name(httphandler.RouteNameHealth)
	router.Handle("/__metrics", observability.MetricsHandler()).Methods("GET").Name(httphandler.RouteNameMetrics)
	router.PathPrefix("/").Handler(relay)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = httphandler.Serve(ctx, httphandler.ServerConfig{
		Addr:            ":" + cfg.ProxyPort,
		Handler:         router,
		WriteTimeout:    cfg.ProxyTimeout + cfg.ShutdownTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, logger)
	if err != nil {
		logger.Error("server", zap.Error(err))
	}
}
