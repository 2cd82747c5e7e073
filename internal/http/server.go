package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/lifecycle"
	"github.com/kjstillabower/minibackends/internal/observability"
)

// ServerConfig configures Serve.
type ServerConfig struct {
	Addr            string
	Handler         http.Handler
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// InFlightCheckInterval is how often the drain loop re-checks the in-flight count.
	InFlightCheckInterval time.Duration
	// Listener, when set, is used instead of listening on Addr.
	Listener net.Listener
}

func (c *ServerConfig) applyDefaults() {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.InFlightCheckInterval <= 0 {
		c.InFlightCheckInterval = 50 * time.Millisecond
	}
}

// Serve runs an HTTP server until ctx is cancelled, then drains it: the
// shutting-down flag is set, the server stops accepting connections, in-flight
// requests get ShutdownTimeout to finish and logs are flushed.
func Serve(ctx context.Context, cfg ServerConfig, logger *zap.Logger) error {
	cfg.applyDefaults()
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      cfg.Handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLog:     zap.NewStdLog(logger),
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.Listener != nil {
			logger.Info("server starting", zap.String("addr", cfg.Listener.Addr().String()))
			err = srv.Serve(cfg.Listener)
		} else {
			logger.Info("server starting", zap.String("addr", cfg.Addr))
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := WaitForInFlight(shutdownCtx, cfg.InFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", InFlightCount()))
	}

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return <-serveErr
}
