package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"ratelimiter/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// HealthPath is served outside rate limiting and tracing.
const HealthPath = "/health"

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLength = 128

type contextKey int

const requestIDKey contextKey = iota

type routeConfig struct {
	router *mux.Router
	// wrap holds middleware applied around the whole router, outermost first.
	wrap []func(http.Handler) http.Handler
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeConfig)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware to
// matched routes.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(c *routeConfig) {
		c.router.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != HealthPath && r.URL.Path != "/metrics"
			}),
		))
	}
}

// WithRateLimiter wraps the whole router, so unmatched paths and methods
// are counted like any other request.
func WithRateLimiter(middleware func(http.Handler) http.Handler) RouteOption {
	return func(c *routeConfig) {
		c.wrap = append(c.wrap, middleware)
	}
}

// IsHealthCheck reports whether r targets the health endpoint.
func IsHealthCheck(r *http.Request) bool {
	return r.URL.Path == HealthPath
}

// SetupRoutes configures the HTTP routes. Request IDs, recovery and logging
// wrap everything, including 404 and 405 responses and requests rejected by
// the rate limiter.
func SetupRoutes(handlers *Handlers, opts ...RouteOption) http.Handler {
	cfg := &routeConfig{router: mux.NewRouter()}
	for _, opt := range opts {
		opt(cfg)
	}
	router := cfg.router

	router.HandleFunc("/", handlers.Root).Methods(http.MethodGet, http.MethodHead)
	router.HandleFunc(HealthPath, handlers.HealthCheck).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, models.ErrorCodeNotFound, "Not found")
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, models.ErrorCodeMethodNotAllowed, "Method not allowed")
	})

	var handler http.Handler = router
	for i := len(cfg.wrap) - 1; i >= 0; i-- {
		handler = cfg.wrap[i](handler)
	}
	return requestIDMiddleware(recoveryMiddleware(loggingMiddleware(handler)))
}

// requestIDMiddleware propagates the caller's X-Request-ID, or assigns one.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the ID assigned to the request carrying ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
			"request_id", RequestID(r.Context()))
	})
}

// recoveryMiddleware handles panics
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic recovered", "error", err, "path", r.URL.Path, "request_id", RequestID(r.Context()))
				writeError(w, r, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
