package http

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/lifecycle"
	"github.com/kjstillabower/minibackends/internal/traffic"
)

// Health statuses reported by the health endpoint.
const (
	StatusHealthy      = "healthy"
	StatusDegraded     = "degraded"
	StatusShuttingDown = "shutting-down"
)

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthConfig holds thresholds and dependency checks for the health handler.
type HealthConfig struct {
	Service          string
	Version          string
	Window           time.Duration
	DegradedErrorPct int
	Checks           map[string]CheckFunc
}

// HealthHandler serves GET /health and logs status transitions.
type HealthHandler struct {
	cfg    HealthConfig
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	prev string
}

// NewHealthHandler returns a HealthHandler. Version defaults to "dev".
func NewHealthHandler(cfg HealthConfig, logger *zap.Logger) *HealthHandler {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{cfg: cfg, logger: logger, now: time.Now}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	result := h.compute(r.Context())

	h.mu.Lock()
	if h.prev != "" && h.prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", h.prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.prev = result.status
	h.mu.Unlock()

	now := h.now()
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   h.cfg.Service,
		"version":   h.cfg.Version,
		"uptime":    lifecycle.Uptime(now).String(),
		"checks":    result.checks,
		"timestamp": now.UTC().Format(time.RFC3339),
	})
}

// compute evaluates conditions in priority order:
// shutting-down > failing dependency > error rate breach > healthy.
func (h *HealthHandler) compute(ctx context.Context) healthResult {
	checks := h.runChecks(ctx)

	if lifecycle.IsShuttingDown() {
		return healthResult{StatusShuttingDown, http.StatusServiceUnavailable, "signal", checks}
	}

	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if checks[name] != StatusHealthy {
			return healthResult{StatusDegraded, http.StatusServiceUnavailable, name + "_unhealthy", checks}
		}
	}

	if h.cfg.Window > 0 && h.cfg.DegradedErrorPct > 0 {
		errors, total := traffic.ErrorRate(h.cfg.Window)
		if total > 0 && float64(errors)*100/float64(total) >= float64(h.cfg.DegradedErrorPct) {
			return healthResult{StatusDegraded, http.StatusServiceUnavailable, "error_rate_breach", checks}
		}
	}
	return healthResult{StatusHealthy, http.StatusOK, "", checks}
}

func (h *HealthHandler) runChecks(ctx context.Context) map[string]string {
	checks := make(map[string]string, len(h.cfg.Checks))
	for name, check := range h.cfg.Checks {
		if err := check(ctx); err != nil {
			h.logger.Debug("health check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unhealthy"
			continue
		}
		checks[name] = StatusHealthy
	}
	return checks
}
