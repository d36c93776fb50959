// Package models - API response types.
// Every JSON body the service writes itself is defined here, except the 429
// body, which is a fixed string owned by the ratelimit package.
package models

import (
	"time"
)

// StatusResponse is the body of the root endpoint.
type StatusResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// ErrorResponse is written for routing failures and recovered panics.
type ErrorResponse struct {
	Error     string    `json:"error"`                // Always "error"
	Message   string    `json:"message"`              // Human-readable description
	Code      string    `json:"code,omitempty"`       // One of the ErrorCode constants
	Timestamp time.Time `json:"timestamp"`            // Error occurrence time
	RequestID string    `json:"request_id,omitempty"` // X-Request-ID of the failed request
}

// HealthCheckResponse is the body of /health.
type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

// ComponentHealth reports one dependency. Latency is the probe round trip.
type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS float64   `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// Health status constants
const (
	StatusHealthy   = "healthy"   // Store reachable
	StatusUnhealthy = "unhealthy" // Store unreachable
)

// Error codes
const (
	ErrorCodeNotFound         = "NOT_FOUND"          // 404
	ErrorCodeMethodNotAllowed = "METHOD_NOT_ALLOWED" // 405
	ErrorCodeInternalError    = "INTERNAL_ERROR"     // 500
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

// AddComponent records a probed dependency and how long the probe took.
func (h *HealthCheckResponse) AddComponent(name, status, message string, latency time.Duration) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMS: float64(latency.Microseconds()) / 1000,
		Timestamp: time.Now(),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
