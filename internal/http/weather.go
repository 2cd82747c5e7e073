package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/service"
	"github.com/kjstillabower/minibackends/internal/validation"
)

// WeatherService is the weather behaviour the handlers depend on.
type WeatherService interface {
	Current(ctx context.Context) (models.Observation, error)
	Historical(ctx context.Context) ([]models.Observation, error)
	Aggregate(ctx context.Context, kind models.AggregateKind) (float64, error)
	ByTime(ctx context.Context, epoch int64) (models.Observation, error)
}

// WeatherHandler serves the weather endpoints.
type WeatherHandler struct {
	weather WeatherService
	logger  *zap.Logger
}

// NewWeatherHandler returns a WeatherHandler.
func NewWeatherHandler(weather WeatherService, logger *zap.Logger) *WeatherHandler {
	return &WeatherHandler{weather: weather, logger: logger}
}

// Register mounts the weather routes on r.
func (h *WeatherHandler) Register(r *mux.Router) {
	r.HandleFunc("/weather/current", h.GetCurrent).Methods(http.MethodGet)
	r.HandleFunc("/weather/historical", h.GetHistorical).Methods(http.MethodGet)
	r.HandleFunc("/weather/historical/{kind:max|min|avg}", h.GetAggregate).Methods(http.MethodGet)
	r.HandleFunc("/weather/by_time", h.GetByTime).Methods(http.MethodGet)
}

// Favicon answers browsers with an empty 204.
func Favicon(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type currentResponse struct {
	TemperatureC    float64 `json:"temperature_c"`
	ObservedAtEpoch int64   `json:"observed_at_epoch"`
}

type hourlyEntry struct {
	EpochTime     int64   `json:"epoch_time"`
	TemperatureC  float64 `json:"temperature_c"`
	ObservedAtISO string  `json:"observed_at_iso"`
}

type aggregateResponse struct {
	ValueC float64 `json:"value_c"`
	Kind   string  `json:"kind"`
}

// GetCurrent handles GET /weather/current.
func (h *WeatherHandler) GetCurrent(w http.ResponseWriter, r *http.Request) {
	obs, err := h.weather.Current(r.Context())
	if err != nil {
		h.writeUnavailable(w, r, "Weather data unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, currentResponse{TemperatureC: obs.TemperatureC, ObservedAtEpoch: obs.EpochTime})
}

// GetHistorical handles GET /weather/historical. An empty list is a valid answer.
func (h *WeatherHandler) GetHistorical(w http.ResponseWriter, r *http.Request) {
	list, err := h.weather.Historical(r.Context())
	if err != nil {
		h.writeUnavailable(w, r, "Historical data unavailable", err)
		return
	}
	hourly := make([]hourlyEntry, 0, len(list))
	for _, o := range list {
		hourly = append(hourly, toHourly(o))
	}
	writeJSON(w, http.StatusOK, map[string][]hourlyEntry{"hourly": hourly})
}

// GetAggregate handles GET /weather/historical/{kind}.
func (h *WeatherHandler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	kind := models.AggregateKind(mux.Vars(r)["kind"])
	value, err := h.weather.Aggregate(r.Context(), kind)
	if err != nil {
		h.writeUnavailable(w, r, "Historical data unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{ValueC: value, Kind: string(kind)})
}

// GetByTime handles GET /weather/by_time?timestamp=<epoch>.
func (h *WeatherHandler) GetByTime(w http.ResponseWriter, r *http.Request) {
	epoch, err := validation.ParseTimestamp(r.URL.Query().Get("timestamp"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_TIMESTAMP", "timestamp must be an integer epoch")
		return
	}
	obs, err := h.weather.ByTime(r.Context(), epoch)
	if errors.Is(err, service.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "No temperature for this timestamp")
		return
	}
	if err != nil {
		h.writeUnavailable(w, r, "Weather data unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, toHourly(obs))
}

func (h *WeatherHandler) writeUnavailable(w http.ResponseWriter, r *http.Request, message string, err error) {
	requestLogger(r, h.logger).Debug("weather unavailable", zap.Error(err))
	writeError(w, r, http.StatusServiceUnavailable, "WEATHER_UNAVAILABLE", message)
}

func toHourly(o models.Observation) hourlyEntry {
	return hourlyEntry{EpochTime: o.EpochTime, TemperatureC: o.TemperatureC, ObservedAtISO: o.ObservedAtISO}
}
