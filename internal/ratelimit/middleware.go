package ratelimit

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// DeniedBody is the exact response body sent with HTTP 429.
const DeniedBody = `{"message": "you have reached the maximum number of requests or actions allowed within a certain time frame"}`

type middlewareConfig struct {
	extractor KeyExtractor
	headers   bool
	logger    *slog.Logger
	skip      func(*http.Request) bool
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithExtractor sets how keys are derived from requests.
func WithExtractor(e KeyExtractor) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.extractor = e
	}
}

// WithHeaders enables X-RateLimit-* headers on allowed responses.
func WithHeaders(enabled bool) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.headers = enabled
	}
}

// WithLogger sets the logger for denials and store failures.
func WithLogger(logger *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSkip exempts requests for which skip returns true.
func WithSkip(skip func(*http.Request) bool) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.skip = skip
	}
}

// Middleware returns HTTP middleware that checks every request against the IP
// scheme and, when a token is presented, the token scheme. Denied requests are
// answered with 429 and DeniedBody; allowed requests reach next untouched
// unless headers are enabled.
func Middleware(engine *Engine, resolver *PolicyResolver, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		extractor: NewKeyExtractor(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Under sustained load every request can be a denial; log a sample.
	denyLog := &rate.Sometimes{First: 1, Interval: time.Second}
	errLog := &rate.Sometimes{First: 1, Interval: time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.skip != nil && cfg.skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			keys := cfg.extractor.Extract(r)
			now := engine.Now()
			decision, err := engine.EvaluateAt(r.Context(), resolver.Checks(keys), now)
			if err != nil {
				errLog.Do(func() {
					cfg.logger.Error("Rate limit store failure",
						"error", err,
						"fail_mode", string(engine.FailMode()),
						"path", r.URL.Path,
					)
				})
			}

			if !decision.Allowed {
				retryAfter := retryAfterSeconds(decision.RetryAfter(now))
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(DeniedBody))

				denyLog.Do(func() {
					cfg.logger.Warn("Rate limit exceeded",
						"keys", redactKeys(keys),
						"limit", decision.Limit,
						"retry_after", retryAfter,
					)
				})
				return
			}

			if cfg.headers && decision.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
				w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
