package analytics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aiagentinc/revalidate"
)

// DefaultDays is the window used when a request names none.
const DefaultDays = 30

// Handler exposes a Service over HTTP.
type Handler struct {
	svc    *Service
	logger revalidate.Logger
}

// NewHandler creates the HTTP handler for svc.
func NewHandler(svc *Service, logger revalidate.Logger) *Handler {
	if logger == nil {
		logger = revalidate.NewNoOpLogger()
	}
	return &Handler{svc: svc, logger: logger.Named("AnalyticsHTTP")}
}

// Routes returns a router to mount under /analytics.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/aggregate", h.Aggregate)
	r.Post("/sync", h.Sync)
	r.Get("/history", h.History)
	r.Delete("/cache", h.Forget)
	return r
}

type errorBody struct {
	Message           string `json:"message"`
	RetryAfterMinutes *int   `json:"retry_after_minutes,omitempty"`
}

// Aggregate serves GET /aggregate?days=N. Without wait=1 a cold cache
// answers immediately with initial_load set.
func (h *Handler) Aggregate(w http.ResponseWriter, r *http.Request) {
	days, ok := h.days(w, r)
	if !ok {
		return
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	res, err := h.svc.Aggregate(r.Context(), days, AggregateOptions{Peek: !wait})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// History serves GET /history?days=N.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	days, ok := h.days(w, r)
	if !ok {
		return
	}
	res, err := h.svc.History(r.Context(), days)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, res)
}

// Sync serves POST /sync?days=N.
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	days, ok := h.days(w, r)
	if !ok {
		return
	}
	info, err := h.svc.Sync(r.Context(), days)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusAccepted, map[string]any{
		"message":    "sync started",
		"cache_info": info,
	})
}

// Forget serves DELETE /cache.
func (h *Handler) Forget(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Forget(r.Context()); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) days(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return DefaultDays, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil || validDays(days) != nil {
		h.respondJSON(w, http.StatusBadRequest, errorBody{Message: ErrInvalidDays.Error()})
		return 0, false
	}
	return days, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var rl *RateLimitError
	switch {
	case errors.As(err, &rl):
		minutes := rl.RetryAfterMinutes()
		secs := max(1, int(rl.RetryAfter.Round(time.Second)/time.Second))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		h.respondJSON(w, http.StatusTooManyRequests, errorBody{
			Message:           "Too many requests to the analytics provider. Please wait and retry.",
			RetryAfterMinutes: &minutes,
		})
	case errors.Is(err, ErrInvalidDays):
		h.respondJSON(w, http.StatusBadRequest, errorBody{Message: err.Error()})
	case errors.Is(err, ErrUpstream):
		h.logger.Warn("upstream analytics error",
			revalidate.String("path", r.URL.Path),
			revalidate.Error(err))
		h.respondJSON(w, http.StatusBadGateway, errorBody{Message: "analytics provider unavailable"})
	default:
		h.logger.Error("analytics request failed",
			revalidate.String("path", r.URL.Path),
			revalidate.Error(err))
		h.respondJSON(w, http.StatusInternalServerError, errorBody{Message: "internal error"})
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", revalidate.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		h.logger.Debug("failed to write JSON response", revalidate.Error(err))
	}
}
