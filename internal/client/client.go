package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kjstillabower/minibackends/internal/circuitbreaker"
	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/observability"
)

// UpstreamName labels AccuWeather calls in metrics and breaker transitions.
const UpstreamName = "accuweather"

const accuWeatherHTTPBase = "http://dataservice.accuweather.com"

// WeatherClient fetches observations for one configured location.
type WeatherClient interface {
	CurrentConditions(ctx context.Context) (models.Observation, error)
	Historical24h(ctx context.Context) ([]models.Observation, error)
}

var (
	ErrMissingAPIKey    = errors.New("weather API key not configured")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrNoData           = errors.New("no usable observation")
)

// Options configures an AccuWeatherClient. Zero retry values get package defaults.
type Options struct {
	APIKey         string
	BaseURL        string
	LocationKey    string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// AccuWeatherClient calls the AccuWeather current-conditions API.
type AccuWeatherClient struct {
	apiKey         string
	baseURL        string
	locationKey    string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breaker        *circuitbreaker.CircuitBreaker
}

var _ WeatherClient = (*AccuWeatherClient)(nil)

// NewAccuWeatherClient builds a client. An empty API key is accepted: every
// call then fails with ErrMissingAPIKey so stored data stays queryable.
func NewAccuWeatherClient(opts Options) (*AccuWeatherClient, error) {
	base := NormalizeBaseURL(opts.BaseURL)
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", opts.BaseURL, err)
	}
	if strings.TrimSpace(opts.LocationKey) == "" {
		return nil, errors.New("location key is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 2 * time.Second
	}

	return &AccuWeatherClient{
		apiKey:         strings.TrimSpace(opts.APIKey),
		baseURL:        base,
		locationKey:    strings.TrimSpace(opts.LocationKey),
		timeout:        opts.Timeout,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		client: &http.Client{
			Timeout: opts.Timeout,
		},
	}, nil
}

// NormalizeBaseURL trims trailing slashes and upgrades the plain-http
// AccuWeather host to https, which it redirects to anyway.
func NormalizeBaseURL(raw string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if strings.HasPrefix(base, accuWeatherHTTPBase) {
		base = "https://dataservice.accuweather.com" + strings.TrimPrefix(base, accuWeatherHTTPBase)
	}
	return base
}

// SetCircuitBreaker wraps every upstream attempt in cb. Nil disables it.
func (c *AccuWeatherClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// HasAPIKey reports whether upstream calls can be attempted.
func (c *AccuWeatherClient) HasAPIKey() bool {
	return c.apiKey != ""
}

// accuObservation is the subset of an AccuWeather conditions entry we read.
type accuObservation struct {
	LocalObservationDateTime string `json:"LocalObservationDateTime"`
	EpochTime                *int64 `json:"EpochTime"`
	WeatherText              string `json:"WeatherText"`
	Temperature              struct {
		Metric struct {
			Value *float64 `json:"Value"`
		} `json:"Metric"`
	} `json:"Temperature"`
}

func (o accuObservation) toObservation() (models.Observation, bool) {
	if o.EpochTime == nil || o.Temperature.Metric.Value == nil {
		return models.Observation{}, false
	}
	return models.Observation{
		EpochTime:     *o.EpochTime,
		TemperatureC:  *o.Temperature.Metric.Value,
		WeatherText:   o.WeatherText,
		ObservedAtISO: o.LocalObservationDateTime,
	}, true
}

// CurrentConditions returns the first entry of the current-conditions list.
func (c *AccuWeatherClient) CurrentConditions(ctx context.Context) (models.Observation, error) {
	entries, err := c.fetch(ctx, "currentconditions/v1/"+url.PathEscape(c.locationKey))
	if err != nil {
		return models.Observation{}, err
	}
	if len(entries) == 0 {
		return models.Observation{}, ErrNoData
	}
	obs, ok := entries[0].toObservation()
	if !ok {
		return models.Observation{}, fmt.Errorf("%w: current entry lacks temperature or epoch", ErrNoData)
	}
	return obs, nil
}

// Historical24h returns hourly observations for the last 24 hours.
// Entries missing a temperature or epoch are dropped.
func (c *AccuWeatherClient) Historical24h(ctx context.Context) ([]models.Observation, error) {
	entries, err := c.fetch(ctx, "currentconditions/v1/"+url.PathEscape(c.locationKey)+"/historical/24")
	if err != nil {
		return nil, err
	}
	out := make([]models.Observation, 0, len(entries))
	for _, e := range entries {
		if obs, ok := e.toObservation(); ok {
			out = append(out, obs)
		}
	}
	return out, nil
}

func (c *AccuWeatherClient) fetch(ctx context.Context, path string) ([]accuObservation, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	var lastErr error
	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(UpstreamName).Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var result []accuObservation
		call := func() error {
			var err error
			result, err = c.callAPI(ctx, path)
			return err
		}
		var err error
		if c.breaker != nil {
			err = c.breaker.Call(ctx, call)
		} else {
			err = call()
		}
		if err == nil {
			return result, nil
		}

		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *AccuWeatherClient) callAPI(ctx context.Context, path string) ([]accuObservation, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(UpstreamName, "error").Inc()
		return nil, fmt.Errorf("build request: %w", err)
	}

	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(UpstreamName, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(UpstreamName, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request timeout: %w", err)
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	status := observability.UpstreamStatusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(UpstreamName, status).Inc()
	observability.UpstreamDuration.WithLabelValues(UpstreamName, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return decodeObservations(body)
}

// decodeObservations accepts either a JSON list or a single object. List
// entries that do not decode are skipped.
func decodeObservations(body []byte) ([]accuObservation, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var one accuObservation
		if err := json.Unmarshal(body, &one); err != nil {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		return []accuObservation{one}, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	list := make([]accuObservation, 0, len(raw))
	for _, entry := range raw {
		var obs accuObservation
		if err := json.Unmarshal(entry, &obs); err != nil {
			continue
		}
		list = append(list, obs)
	}
	return list, nil
}

func (c *AccuWeatherClient) buildRequest(ctx context.Context, path string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + "/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params := u.Query()
	params.Set("apikey", c.apiKey)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d", ErrInvalidAPIKey, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return ErrLocationNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
	return nil
}

// IsRetryable reports whether err is transient: rate limiting, upstream 5xx,
// timeouts and network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// CountsAgainstBreaker reports whether err indicates an unhealthy upstream.
// Configuration errors such as a bad key do not trip the breaker.
func CountsAgainstBreaker(err error) bool {
	return IsRetryable(err)
}

func (c *AccuWeatherClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}
