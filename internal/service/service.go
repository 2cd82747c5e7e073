package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/minibackends/internal/cache"
	"github.com/kjstillabower/minibackends/internal/client"
	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/observability"
	"github.com/kjstillabower/minibackends/internal/storage"
)

// historicalWindow is the look-back for historical queries against stored records.
const historicalWindow = 24 * time.Hour

// defaultFetchTimeout bounds a shared upstream fetch once it no longer follows
// the context of the caller that started it.
const defaultFetchTimeout = 30 * time.Second

var (
	// ErrUnavailable means neither the upstream API nor stored records could answer.
	ErrUnavailable = errors.New("weather data unavailable")
	// ErrNotFound means no stored record exists for the location.
	ErrNotFound = errors.New("no weather record found")
)

// Config holds the location and cache lifetimes for a WeatherService.
type Config struct {
	LocationKey   string
	CurrentTTL    time.Duration
	HistoricalTTL time.Duration
	// FetchTimeout bounds one shared upstream fetch. Zero uses 30s.
	FetchTimeout time.Duration
}

// WeatherService serves observations for one location using cache-aside over
// the upstream API, and appends every fetched observation to the store.
type WeatherService struct {
	client        client.WeatherClient
	store         storage.WeatherStore
	current       cache.Cache[models.Observation]
	historical    cache.Cache[[]models.Observation]
	locationKey   string
	currentTTL    time.Duration
	historicalTTL time.Duration
	fetchTimeout  time.Duration
	group         singleflight.Group
	logger        *zap.Logger
	now           func() time.Time
}

// NewWeatherService creates a new WeatherService with the provided dependencies.
func NewWeatherService(
	weatherClient client.WeatherClient,
	store storage.WeatherStore,
	current cache.Cache[models.Observation],
	historical cache.Cache[[]models.Observation],
	cfg Config,
	logger *zap.Logger,
) *WeatherService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	return &WeatherService{
		client:        weatherClient,
		store:         store,
		current:       current,
		historical:    historical,
		locationKey:   cfg.LocationKey,
		currentTTL:    cfg.CurrentTTL,
		historicalTTL: cfg.HistoricalTTL,
		fetchTimeout:  cfg.FetchTimeout,
		logger:        logger,
		now:           time.Now,
	}
}

// loggerFromContext returns the request-scoped logger if present, else the service logger.
func (s *WeatherService) loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return s.logger
}

// shared runs fn once per key across concurrent callers. fn gets a context
// detached from any single caller, so a caller that goes away only stops its
// own wait and never fails the others.
func (s *WeatherService) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := s.group.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return fn(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *WeatherService) currentKey() string    { return "current:" + s.locationKey }
func (s *WeatherService) historicalKey() string { return "historical:" + s.locationKey }

// Current returns the latest observation. On upstream failure it falls back to
// the newest entry of the historical list.
func (s *WeatherService) Current(ctx context.Context) (models.Observation, error) {
	logger := s.loggerFromContext(ctx)

	if obs, ok := cacheGet(ctx, s.current, s.currentKey(), "current", logger); ok {
		return obs, nil
	}

	obs, err := s.refreshCurrent(ctx)
	if err == nil {
		return obs, nil
	}
	logger.Warn("current conditions fetch failed, falling back to historical",
		zap.Error(err), zap.String("category", string(client.CategorizeError(err))))

	hist, histErr := s.Historical(ctx)
	if histErr != nil || len(hist) == 0 {
		return models.Observation{}, ErrUnavailable
	}
	latest := hist[0]
	for _, h := range hist[1:] {
		if h.EpochTime > latest.EpochTime {
			latest = h
		}
	}
	cacheSet(ctx, s.current, s.currentKey(), latest, s.currentTTL, logger)
	return latest, nil
}

// refreshCurrent fetches current conditions from upstream, persists and caches them.
// Concurrent callers share one upstream call.
func (s *WeatherService) refreshCurrent(ctx context.Context) (models.Observation, error) {
	logger := s.loggerFromContext(ctx)
	v, err := s.shared(ctx, s.currentKey(), func(ctx context.Context) (interface{}, error) {
		obs, err := s.client.CurrentConditions(ctx)
		if err != nil {
			return models.Observation{}, err
		}
		s.persist(ctx, []models.Observation{obs}, logger)
		cacheSet(ctx, s.current, s.currentKey(), obs, s.currentTTL, logger)
		return obs, nil
	})
	if err != nil {
		return models.Observation{}, err
	}
	return v.(models.Observation), nil
}

// Historical returns hourly observations for the last 24 hours. When the
// upstream API yields nothing it serves stored records from the same window.
// An empty list with a nil error means no data exists anywhere.
func (s *WeatherService) Historical(ctx context.Context) ([]models.Observation, error) {
	obs, err := s.upstreamHistorical(ctx)
	if err == nil && len(obs) > 0 {
		return obs, nil
	}

	records, storeErr := s.store.WeatherRecordsSince(ctx, s.locationKey, s.windowStart())
	if storeErr != nil {
		observability.StorageErrorsTotal.WithLabelValues("weather_records_since").Inc()
		s.loggerFromContext(ctx).Error("stored historical lookup failed", zap.Error(storeErr))
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, storeErr)
	}
	out := make([]models.Observation, 0, len(records))
	for _, r := range records {
		out = append(out, r.Observation())
	}
	return out, nil
}

// upstreamHistorical returns the cached or freshly fetched upstream list without store fallback.
func (s *WeatherService) upstreamHistorical(ctx context.Context) ([]models.Observation, error) {
	logger := s.loggerFromContext(ctx)
	if obs, ok := cacheGet(ctx, s.historical, s.historicalKey(), "historical", logger); ok {
		return obs, nil
	}
	obs, err := s.refreshHistorical(ctx)
	if err != nil {
		logger.Warn("historical fetch failed",
			zap.Error(err), zap.String("category", string(client.CategorizeError(err))))
	}
	return obs, err
}

func (s *WeatherService) refreshHistorical(ctx context.Context) ([]models.Observation, error) {
	logger := s.loggerFromContext(ctx)
	v, err := s.shared(ctx, s.historicalKey(), func(ctx context.Context) (interface{}, error) {
		obs, err := s.client.Historical24h(ctx)
		if err != nil {
			return nil, err
		}
		s.persist(ctx, obs, logger)
		if len(obs) > 0 {
			cacheSet(ctx, s.historical, s.historicalKey(), obs, s.historicalTTL, logger)
		}
		return obs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.Observation), nil
}

// Aggregate computes kind over the upstream historical list, or over stored
// records of the last 24 hours when the upstream list is empty.
func (s *WeatherService) Aggregate(ctx context.Context, kind models.AggregateKind) (float64, error) {
	if !kind.Valid() {
		return 0, fmt.Errorf("unknown aggregate %q", kind)
	}
	if obs, err := s.upstreamHistorical(ctx); err == nil && len(obs) > 0 {
		return aggregate(obs, kind), nil
	}

	value, ok, err := s.store.AggregateWeather(ctx, s.locationKey, kind, s.windowStart())
	if err != nil {
		observability.StorageErrorsTotal.WithLabelValues("aggregate_weather").Inc()
		s.loggerFromContext(ctx).Error("stored aggregate failed", zap.String("kind", string(kind)), zap.Error(err))
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if !ok {
		return 0, ErrUnavailable
	}
	return value, nil
}

func aggregate(obs []models.Observation, kind models.AggregateKind) float64 {
	result := obs[0].TemperatureC
	sum := 0.0
	for _, o := range obs {
		sum += o.TemperatureC
		switch kind {
		case models.AggregateMax:
			if o.TemperatureC > result {
				result = o.TemperatureC
			}
		case models.AggregateMin:
			if o.TemperatureC < result {
				result = o.TemperatureC
			}
		}
	}
	if kind == models.AggregateAvg {
		return sum / float64(len(obs))
	}
	return result
}

// ByTime returns the stored observation closest to epoch.
func (s *WeatherService) ByTime(ctx context.Context, epoch int64) (models.Observation, error) {
	rec, err := s.store.NearestWeatherRecord(ctx, s.locationKey, epoch)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Observation{}, ErrNotFound
	}
	if err != nil {
		observability.StorageErrorsTotal.WithLabelValues("nearest_weather_record").Inc()
		return models.Observation{}, fmt.Errorf("nearest record: %w", err)
	}
	return rec.Observation(), nil
}

// WarmTasks returns cache refresh tasks for a cache.CacheWarmer.
func (s *WeatherService) WarmTasks() map[string]cache.WarmFunc {
	return map[string]cache.WarmFunc{
		"current": func(ctx context.Context) error {
			_, err := s.refreshCurrent(ctx)
			return err
		},
		"historical": func(ctx context.Context) error {
			_, err := s.refreshHistorical(ctx)
			return err
		},
	}
}

func (s *WeatherService) windowStart() int64 {
	return s.now().Add(-historicalWindow).Unix()
}

// persist appends observations to the store. Failures are logged, never returned.
func (s *WeatherService) persist(ctx context.Context, obs []models.Observation, logger *zap.Logger) {
	if len(obs) == 0 {
		return
	}
	now := s.now().UTC()
	records := make([]models.WeatherRecord, 0, len(obs))
	for _, o := range obs {
		records = append(records, models.WeatherRecord{
			LocationKey:  s.locationKey,
			EpochTime:    o.EpochTime,
			ObservedAt:   time.Unix(o.EpochTime, 0).UTC(),
			TemperatureC: o.TemperatureC,
			WeatherText:  o.WeatherText,
			CreatedAt:    now,
		})
	}
	n, err := s.store.InsertWeatherRecords(ctx, records)
	if err != nil {
		observability.StorageErrorsTotal.WithLabelValues("insert_weather").Inc()
		logger.Error("persisting weather records failed", zap.Int("count", len(records)), zap.Error(err))
		return
	}
	observability.WeatherRecordsPersistedTotal.Add(float64(n))
}

func cacheGet[T any](ctx context.Context, c cache.Cache[T], key, cacheType string, logger *zap.Logger) (T, bool) {
	v, ok, err := c.Get(ctx, key)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get").Inc()
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		return v, false
	}
	if ok {
		observability.CacheHitsTotal.WithLabelValues(cacheType).Inc()
		logger.Debug("cache hit", zap.String("key", key))
		return v, true
	}
	observability.CacheMissesTotal.WithLabelValues(cacheType).Inc()
	return v, false
}

func cacheSet[T any](ctx context.Context, c cache.Cache[T], key string, value T, ttl time.Duration, logger *zap.Logger) {
	if err := c.Set(ctx, key, value, ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set").Inc()
		logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}
