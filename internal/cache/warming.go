package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/observability"
)

// WarmFunc refreshes one cached entry, typically by calling the service method that fills it.
type WarmFunc func(ctx context.Context) error

// CacheWarmer prefetches a fixed set of entries so requests find a warm cache.
type CacheWarmer struct {
	tasks  map[string]WarmFunc
	logger *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer running the named tasks.
func NewCacheWarmer(tasks map[string]WarmFunc, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{tasks: tasks, logger: logger}
}

// Warm runs every task concurrently. Returns an error joining every failed task.
func (w *CacheWarmer) Warm(ctx context.Context) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()

	names := make([]string, 0, len(w.tasks))
	for name := range w.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			if err := w.tasks[name](ctx); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", name, err)
			}
		}(i, name)
	}
	wg.Wait()

	err := errors.Join(errs...)
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Debug("cache warming complete", zap.Strings("tasks", names), zap.Bool("failed", err != nil), zap.Float64("duration_seconds", duration))
	}
	if err != nil {
		observability.CacheWarmingErrorsTotal.Inc()
		return err
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, interval time.Duration) error {
	if err := w.Warm(ctx); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
