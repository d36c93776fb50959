package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"ratelimiter/internal/models"
	"ratelimiter/internal/ratelimit"
	"ratelimiter/internal/version"
)

const healthPingTimeout = 2 * time.Second

// Handlers contains the HTTP handlers served behind the rate limiter.
type Handlers struct {
	store   ratelimit.Store
	stats   func() ratelimit.MemoryStoreStats
	started time.Time
	version string
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithMemoryStats reports the memory store's record counts on /health.
func WithMemoryStats(store *ratelimit.MemoryStore) HandlerOption {
	return func(h *Handlers) {
		if store != nil {
			h.stats = store.Stats
		}
	}
}

// NewHandlers creates handlers that report on the given counter store.
func NewHandlers(store ratelimit.Store, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		store:   store,
		started: time.Now(),
		version: version.GetInfo().Version,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Root is the application endpoint protected by the limiter.
func (h *Handlers) Root(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, models.StatusResponse{
		Message: "rate limiter is running",
		Status:  "ok",
	})
}

// HealthCheck handles health check requests.
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version
	response.Uptime = time.Since(h.started).Round(time.Second).String()

	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	statusCode := http.StatusOK
	start := time.Now()
	err := h.store.Ping(ctx)
	latency := time.Since(start)
	if err != nil {
		slog.Warn("Health check store ping failed", "error", err)
		response.Status = models.StatusUnhealthy
		response.AddComponent("store", models.StatusUnhealthy, err.Error(), latency)
		statusCode = http.StatusServiceUnavailable
	} else {
		response.AddComponent("store", models.StatusHealthy, "Counter store is reachable", latency)
	}

	if h.stats != nil {
		stats := h.stats()
		response.AddMetric("active_keys", stats.Active)
		response.AddMetric("created_keys", stats.Created)
		response.AddMetric("evicted_keys", stats.Evicted)
	}

	h.writeJSONResponse(w, statusCode, response)
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	writeJSON(w, statusCode, data)
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already written.
		slog.Error("Error encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) {
	resp := models.NewErrorResponse(message, errorCode)
	resp.RequestID = RequestID(r.Context())
	if resp.RequestID == "" {
		resp.RequestID = r.Header.Get(RequestIDHeader)
	}
	writeJSON(w, statusCode, resp)
}
