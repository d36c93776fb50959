// Package ratelimit provides fixed-window admission control for HTTP requests.
// Requests are counted independently per client IP and per API token, and a
// request is rejected when either dimension has exhausted its window. The
// package includes an in-memory lock-striped counter store, a Redis-backed
// store, a decision engine that combines per-key checks, and HTTP middleware
// that answers denied requests with HTTP 429.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Scheme identifies one of the independent key spaces.
type Scheme string

const (
	SchemeIP    Scheme = "ip"
	SchemeToken Scheme = "token"
)

var (
	// ErrInvalidPolicy is returned when a policy has a non-positive limit or window.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")

	// ErrStoreClosed is returned by stores after Close has been called.
	ErrStoreClosed = errors.New("rate limit store is closed")
)

// Key is a rate limit key of the form "ip:<address>" or "token:<value>".
type Key string

// IPKey returns the key tracking requests from addr.
func IPKey(addr string) Key {
	return Key(string(SchemeIP) + ":" + addr)
}

// TokenKey returns the key tracking requests presenting token.
func TokenKey(token string) Key {
	return Key(string(SchemeToken) + ":" + token)
}

// Scheme returns the key space the key belongs to, or "" for a malformed key.
func (k Key) Scheme() Scheme {
	prefix, _, ok := strings.Cut(string(k), ":")
	if !ok {
		return ""
	}
	switch Scheme(prefix) {
	case SchemeIP, SchemeToken:
		return Scheme(prefix)
	}
	return ""
}

// LogValue implements slog.LogValuer. Token values are credentials, so
// token keys are logged as a fingerprint of the token.
func (k Key) LogValue() slog.Value {
	return slog.StringValue(k.Redacted())
}

// Redacted returns the key with a token value replaced by its xxhash
// fingerprint. IP keys are returned unchanged.
func (k Key) Redacted() string {
	if k.Scheme() != SchemeToken {
		return string(k)
	}
	return fmt.Sprintf("%s:#%08x", SchemeToken, uint32(xxhash.Sum64String(k.Value())))
}

func redactKeys(keys []Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Redacted()
	}
	return out
}

// Value returns the key without its scheme prefix.
func (k Key) Value() string {
	_, value, ok := strings.Cut(string(k), ":")
	if !ok {
		return string(k)
	}
	return value
}

// Policy is the limit applied to a single key: at most MaxRequests requests
// per Window.
//
// A positive BlockDuration turns the first denial into a block: the key is
// denied without being counted until the block ends, and then starts a fresh
// window. Zero keeps plain fixed-window behavior.
type Policy struct {
	MaxRequests   int           `yaml:"max_requests" json:"max_requests"`
	Window        time.Duration `yaml:"window" json:"window"`
	BlockDuration time.Duration `yaml:"block_duration,omitempty" json:"block_duration,omitempty"`
}

// Validate reports whether the policy can be enforced.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidPolicy, p.MaxRequests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidPolicy, p.Window)
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("%w: block duration cannot be negative, got %s", ErrInvalidPolicy, p.BlockDuration)
	}
	return nil
}

// Decision is the outcome of checking one or more keys.
type Decision struct {
	Allowed   bool
	Limit     int       // MaxRequests of the binding check
	Remaining int       // Requests left in the current window
	ResetAt   time.Time // When the binding window ends
}

// RetryAfter returns how long a client should wait before the binding window
// clears. It is zero when the window has already ended.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Check pairs a key with the policy it is evaluated against.
type Check struct {
	Key    Key
	Policy Policy
}

// Store keeps per-key request counters. Implementations must be safe for
// concurrent use and must make RecordAndCheck atomic per key.
type Store interface {
	// RecordAndCheck counts one request for key at time now and reports
	// whether it fits within policy.
	RecordAndCheck(ctx context.Context, key Key, policy Policy, now time.Time) (Decision, error)

	// Ping verifies the store is usable.
	Ping(ctx context.Context) error

	// Close stops background work and releases resources.
	Close() error
}

// windowDecision computes the decision for a record holding count requests in
// a window that started at windowStart.
func windowDecision(count int64, windowStart time.Time, policy Policy) Decision {
	d := Decision{
		Allowed: count <= int64(policy.MaxRequests),
		Limit:   policy.MaxRequests,
		ResetAt: windowStart.Add(policy.Window),
	}
	if d.Allowed {
		d.Remaining = policy.MaxRequests - int(count)
	}
	return d
}

// blockedDecision is the decision for a key blocked until until.
func blockedDecision(until time.Time, policy Policy) Decision {
	return Decision{Allowed: false, Limit: policy.MaxRequests, ResetAt: until}
}
