package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailMode decides how a check is treated when the store cannot answer.
type FailMode string

const (
	// FailOpen treats a failed check as allowed.
	FailOpen FailMode = "open"
	// FailClosed treats a failed check as denied for one policy window.
	FailClosed FailMode = "closed"
)

// ParseFailMode converts "open" or "closed" (case-insensitive) to a FailMode.
func ParseFailMode(s string) (FailMode, error) {
	switch FailMode(strings.ToLower(strings.TrimSpace(s))) {
	case FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unsupported fail mode: %q", s)
	}
}

// Engine evaluates a request's checks against a Store and combines them into
// one decision. A request is denied when any of its checks is denied.
type Engine struct {
	store    Store
	clock    Clock
	failMode FailMode
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFailMode sets the store failure policy. The default is FailOpen.
func WithFailMode(mode FailMode) EngineOption {
	return func(e *Engine) {
		e.failMode = mode
	}
}

// WithClock sets the time source used by Evaluate.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine creates an engine over store.
func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    store,
		clock:    SystemClock{},
		failMode: FailOpen,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() Store {
	return e.store
}

// FailMode returns the configured failure policy.
func (e *Engine) FailMode() FailMode {
	return e.failMode
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock.Now()
}

// Evaluate runs every check at the engine clock's current time.
func (e *Engine) Evaluate(ctx context.Context, checks []Check) (Decision, error) {
	return e.EvaluateAt(ctx, checks, e.clock.Now())
}

// EvaluateAt runs every check at now. All checks are recorded even when an
// earlier one already denies, so each scheme counts the request exactly once.
//
// A denied decision carries the latest ResetAt among denying checks. An
// allowed decision reports the check with the fewest remaining requests.
// Store failures are resolved by the fail mode and returned joined; the
// decision is usable either way.
func (e *Engine) EvaluateAt(ctx context.Context, checks []Check, now time.Time) (Decision, error) {
	var (
		errs    []error
		denied  *Decision
		binding *Decision
	)

	for _, c := range checks {
		d, err := e.store.RecordAndCheck(ctx, c.Key, c.Policy, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("check %s: %w", c.Key.Redacted(), err))
			if e.failMode != FailClosed {
				continue
			}
			d = Decision{
				Allowed: false,
				Limit:   c.Policy.MaxRequests,
				ResetAt: now.Add(c.Policy.Window),
			}
		}

		if !d.Allowed {
			if denied == nil || d.ResetAt.After(denied.ResetAt) {
				denied = &d
			}
			continue
		}
		if binding == nil || d.Remaining < binding.Remaining ||
			(d.Remaining == binding.Remaining && d.ResetAt.After(binding.ResetAt)) {
			binding = &d
		}
	}

	err := errors.Join(errs...)
	switch {
	case denied != nil:
		return Decision{Allowed: false, Limit: denied.Limit, ResetAt: denied.ResetAt}, err
	case binding != nil:
		return *binding, err
	default:
		return Decision{Allowed: true}, err
	}
}
