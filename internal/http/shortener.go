package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/minibackends/internal/models"
	"github.com/kjstillabower/minibackends/internal/shortener"
)

// maxShortenBody bounds POST /shorten request bodies.
const maxShortenBody = 16 << 10

// LinkService is the shortener behaviour the handlers depend on.
type LinkService interface {
	Shorten(ctx context.Context, target string) (*models.URL, error)
	Resolve(ctx context.Context, code string) (*models.URL, error)
	Lookup(ctx context.Context, code string) (*models.URL, error)
}

// ShortenerHandler serves the URL shortener endpoints.
type ShortenerHandler struct {
	links   LinkService
	baseURL string
	logger  *zap.Logger
}

// NewShortenerHandler returns a ShortenerHandler. An empty baseURL derives
// short URLs from the request scheme and host.
func NewShortenerHandler(links LinkService, baseURL string, logger *zap.Logger) *ShortenerHandler {
	return &ShortenerHandler{
		links:   links,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Register mounts the shortener routes. The catch-all /{code} route is added last.
func (h *ShortenerHandler) Register(r *mux.Router) {
	r.HandleFunc("/shorten", h.Shorten).Methods(http.MethodPost)
	r.HandleFunc("/api/links/{code}", h.GetLink).Methods(http.MethodGet)
	r.HandleFunc("/{code}", h.Redirect).Methods(http.MethodGet)
}

type shortenRequest struct {
	Target string `json:"target"`
}

type shortenResponse struct {
	Code     string `json:"code"`
	Target   string `json:"target"`
	ShortURL string `json:"short_url"`
}

// Shorten handles POST /shorten.
func (h *ShortenerHandler) Shorten(w http.ResponseWriter, r *http.Request) {
	var body shortenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxShortenBody)).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "Request body must be JSON with a target field")
		return
	}

	link, err := h.links.Shorten(r.Context(), body.Target)
	switch {
	case errors.Is(err, shortener.ErrInvalidTarget):
		writeError(w, r, http.StatusBadRequest, "INVALID_URL", "Invalid URL")
		return
	case errors.Is(err, shortener.ErrCodeSpaceExhausted):
		requestLogger(r, h.logger).Warn("code space exhausted")
		writeError(w, r, http.StatusServiceUnavailable, "CODE_SPACE_EXHAUSTED", "Could not allocate a short code")
		return
	case err != nil:
		requestLogger(r, h.logger).Error("shorten failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal error")
		return
	}

	writeJSON(w, http.StatusOK, shortenResponse{
		Code:     link.Code,
		Target:   link.Target,
		ShortURL: h.shortURL(r, link.Code),
	})
}

// Redirect handles GET /{code} with a 307 to the stored target.
func (h *ShortenerHandler) Redirect(w http.ResponseWriter, r *http.Request) {
	link, ok := h.find(w, r, h.links.Resolve)
	if !ok {
		return
	}
	http.Redirect(w, r, link.Target, http.StatusTemporaryRedirect)
}

// GetLink handles GET /api/links/{code}.
func (h *ShortenerHandler) GetLink(w http.ResponseWriter, r *http.Request) {
	link, ok := h.find(w, r, h.links.Lookup)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (h *ShortenerHandler) find(w http.ResponseWriter, r *http.Request, get func(context.Context, string) (*models.URL, error)) (*models.URL, bool) {
	link, err := get(r.Context(), mux.Vars(r)["code"])
	if errors.Is(err, shortener.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Not found")
		return nil, false
	}
	if err != nil {
		requestLogger(r, h.logger).Error("lookup failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "Internal error")
		return nil, false
	}
	return link, true
}

func (h *ShortenerHandler) shortURL(r *http.Request, code string) string {
	if h.baseURL != "" {
		return h.baseURL + "/" + code
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		scheme = "http"
		if r.TLS != nil {
			scheme = "https"
		}
	}
	return scheme + "://" + r.Host + "/" + code
}
