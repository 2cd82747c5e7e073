package http

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/flights"
	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/xmlfeed"
)

// FlightService is the flight comparison behaviour the handlers depend on.
type FlightService interface {
	List(ctx context.Context) ([]models.FlightResult, error)
	Extremes(ctx context.Context) (flights.Extremes, error)
	Diff(ctx context.Context) (flights.Diff, error)
	Load(ctx context.Context) (int, error)
	Route() xmlfeed.Route
}

// FlightsHandler serves the flight comparison endpoints.
type FlightsHandler struct {
	flights     FlightService
	allowReload bool
	logger      *zap.Logger
}

// NewFlightsHandler returns a FlightsHandler. POST /api/reload is only mounted when allowReload is set.
func NewFlightsHandler(svc FlightService, allowReload bool, logger *zap.Logger) *FlightsHandler {
	return &FlightsHandler{flights: svc, allowReload: allowReload, logger: logger}
}

// Register mounts the flight routes on r.
func (h *FlightsHandler) Register(r *mux.Router) {
	r.HandleFunc("/api/flights", h.GetFlights).Methods(http.MethodGet)
	r.HandleFunc("/api/flights/extremes", h.GetExtremes).Methods(http.MethodGet)
	r.HandleFunc("/api/diff", h.GetDiff).Methods(http.MethodGet)
	if h.allowReload {
		r.HandleFunc("/api/reload", h.PostReload).Methods(http.MethodPost)
	}
}

type flightsResponse struct {
	From    string                `json:"from"`
	To      string                `json:"to"`
	Total   int                   `json:"total"`
	Flights []models.FlightResult `json:"flights"`
}

// GetFlights handles GET /api/flights. ?format=csv switches to a CSV download.
func (h *FlightsHandler) GetFlights(w http.ResponseWriter, r *http.Request) {
	list, err := h.flights.List(r.Context())
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="flights.csv"`)
		if err := flights.WriteCSV(w, list); err != nil {
			requestLogger(r, h.logger).Error("write csv", zap.Error(err))
		}
		return
	}
	if list == nil {
		list = []models.FlightResult{}
	}
	route := h.flights.Route()
	writeJSON(w, http.StatusOK, flightsResponse{
		From:    route.Origin,
		To:      route.Destination,
		Total:   len(list),
		Flights: list,
	})
}

// GetExtremes handles GET /api/flights/extremes.
func (h *FlightsHandler) GetExtremes(w http.ResponseWriter, r *http.Request) {
	ext, err := h.flights.Extremes(r.Context())
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

// GetDiff handles GET /api/diff.
func (h *FlightsHandler) GetDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := h.flights.Diff(r.Context())
	if err != nil {
		h.writeStorageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

// PostReload handles POST /api/reload by rerunning the loader.
func (h *FlightsHandler) PostReload(w http.ResponseWriter, r *http.Request) {
	n, err := h.flights.Load(r.Context())
	if err != nil {
		requestLogger(r, h.logger).Error("reload failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "RELOAD_FAILED", "Could not reload flight data")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"loaded": n})
}

func (h *FlightsHandler) writeStorageError(w http.ResponseWriter, r *http.Request, err error) {
	requestLogger(r, h.logger).Error("flight query failed", zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal error")
}
