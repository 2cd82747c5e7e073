package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/service"
)

type mockWeatherService struct {
	current    models.Observation
	currentErr error
	hourly     []models.Observation
	histErr    error
	aggregates map[models.AggregateKind]float64
	byTime     map[int64]models.Observation
	byTimeErr  error
	lastKind   models.AggregateKind
}

func (m *mockWeatherService) Current(context.Context) (models.Observation, error) {
	return m.current, m.currentErr
}

func (m *mockWeatherService) Historical(context.Context) ([]models.Observation, error) {
	return m.hourly, m.histErr
}

func (m *mockWeatherService) Aggregate(_ context.Context, kind models.AggregateKind) (float64, error) {
	m.lastKind = kind
	v, ok := m.aggregates[kind]
	if !ok {
		return 0, service.ErrUnavailable
	}
	return v, nil
}

func (m *mockWeatherService) ByTime(_ context.Context, epoch int64) (models.Observation, error) {
	if m.byTimeErr != nil {
		return models.Observation{}, m.byTimeErr
	}
	o, ok := m.byTime[epoch]
	if !ok {
		return models.Observation{}, service.ErrNotFound
	}
	return o, nil
}

func newWeatherRouter(svc WeatherService) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.NewNop()))
	NewWeatherHandler(svc, zap.NewNop()).Register(router)
	router.HandleFunc("/favicon.ico", Favicon)
	return router
}

func doGet(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestWeather_Current(t *testing.T) {
	svc := &mockWeatherService{current: models.Observation{EpochTime: 1700000000, TemperatureC: 21.5}}
	w := doGet(newWeatherRouter(svc), "/weather/current")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got currentResponse
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.TemperatureC != 21.5 || got.ObservedAtEpoch != 1700000000 {
		t.Errorf("body = %+v", got)
	}
}

func TestWeather_CurrentUnavailable(t *testing.T) {
	svc := &mockWeatherService{currentErr: service.ErrUnavailable}
	w := doGet(newWeatherRouter(svc), "/weather/current")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	env := decodeError(t, w)
	if env.Error.Code != "WEATHER_UNAVAILABLE" || env.Error.Message != "Weather data unavailable" {
		t.Errorf("error = %+v", env.Error)
	}
}

func TestWeather_Historical(t *testing.T) {
	svc := &mockWeatherService{hourly: []models.Observation{
		{EpochTime: 1, TemperatureC: 10, ObservedAtISO: "1970-01-01T00:00:01Z", WeatherText: "Sunny"},
		{EpochTime: 2, TemperatureC: 11, ObservedAtISO: "1970-01-01T00:00:02Z"},
	}}
	w := doGet(newWeatherRouter(svc), "/weather/historical")

	var got struct {
		Hourly []map[string]interface{} `json:"hourly"`
	}
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Hourly) != 2 {
		t.Fatalf("hourly len = %d, want 2", len(got.Hourly))
	}
	if _, ok := got.Hourly[0]["weather_text"]; ok {
		t.Error("hourly entries should not carry weather_text")
	}
	if got.Hourly[1]["observed_at_iso"] != "1970-01-01T00:00:02Z" {
		t.Errorf("hourly[1] = %v", got.Hourly[1])
	}
}

func TestWeather_HistoricalEmptyIsList(t *testing.T) {
	w := doGet(newWeatherRouter(&mockWeatherService{}), "/weather/historical")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "{\"hourly\":[]}\n" {
		t.Errorf("body = %q, want empty hourly list", got)
	}
}

func TestWeather_Aggregate(t *testing.T) {
	svc := &mockWeatherService{aggregates: map[models.AggregateKind]float64{models.AggregateMax: 30.5}}
	router := newWeatherRouter(svc)

	w := doGet(router, "/weather/historical/max")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got aggregateResponse
	_ = json.NewDecoder(w.Body).Decode(&got)
	if got.ValueC != 30.5 || got.Kind != "max" {
		t.Errorf("body = %+v", got)
	}

	w = doGet(router, "/weather/historical/avg")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status without data = %d, want 503", w.Code)
	}
	if env := decodeError(t, w); env.Error.Message != "Historical data unavailable" {
		t.Errorf("message = %q", env.Error.Message)
	}

	if w = doGet(router, "/weather/historical/median"); w.Code != http.StatusNotFound {
		t.Errorf("unknown kind status = %d, want 404", w.Code)
	}
}

func TestWeather_ByTime(t *testing.T) {
	svc := &mockWeatherService{byTime: map[int64]models.Observation{
		1700000000: {EpochTime: 1699999800, TemperatureC: 18, ObservedAtISO: "2023-11-14T22:10:00Z"},
	}}
	router := newWeatherRouter(svc)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCode   string
	}{
		{"found", "?timestamp=1700000000", http.StatusOK, ""},
		{"missing", "", http.StatusBadRequest, "INVALID_TIMESTAMP"},
		{"not integer", "?timestamp=yesterday", http.StatusBadRequest, "INVALID_TIMESTAMP"},
		{"no data", "?timestamp=5", http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doGet(router, "/weather/by_time"+tt.query)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.wantCode == "" {
				var got hourlyEntry
				_ = json.NewDecoder(w.Body).Decode(&got)
				if got.EpochTime != 1699999800 || got.TemperatureC != 18 {
					t.Errorf("body = %+v", got)
				}
				return
			}
			if env := decodeError(t, w); env.Error.Code != tt.wantCode {
				t.Errorf("error.code = %q, want %q", env.Error.Code, tt.wantCode)
			}
		})
	}

	svc.byTimeErr = errors.New("db closed")
	if w := doGet(router, "/weather/by_time?timestamp=1"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("storage error status = %d, want 503", w.Code)
	}
}

func TestFavicon(t *testing.T) {
	w := doGet(newWeatherRouter(&mockWeatherService{}), "/favicon.ico")
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Errorf("favicon = %d %q, want empty 204", w.Code, w.Body.String())
	}
}
