package observability

import (
	"context"
	"time"

	"ratelimiter/internal/ratelimit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "ratelimiter/ratelimit"

// InstrumentedStore wraps a ratelimit.Store implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedStore struct {
	inner     ratelimit.Store
	tracer    trace.Tracer
	duration  metric.Float64Histogram
	errors    metric.Int64Counter
	decisions metric.Int64Counter
}

var _ ratelimit.Store = (*InstrumentedStore)(nil)

type instrumentConfig struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// InstrumentOption configures the providers used by instrumentation.
type InstrumentOption func(*instrumentConfig)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) InstrumentOption {
	return func(c *instrumentConfig) {
		c.tracerProvider = tp
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(mp metric.MeterProvider) InstrumentOption {
	return func(c *instrumentConfig) {
		c.meterProvider = mp
	}
}

func newInstrumentConfig(opts []InstrumentOption) instrumentConfig {
	cfg := instrumentConfig{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewInstrumentedStore creates a store wrapper that records a span, the
// operation latency, errors and the per-scheme decision outcome for every
// counter update.
func NewInstrumentedStore(inner ratelimit.Store, opts ...InstrumentOption) (*InstrumentedStore, error) {
	cfg := newInstrumentConfig(opts)
	meter := cfg.meterProvider.Meter(instrumentationName)

	duration, err := meter.Float64Histogram(
		"ratelimit.store.duration",
		metric.WithDescription("Duration of rate limit store operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"ratelimit.store.errors",
		metric.WithDescription("Number of rate limit store operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	decisions, err := meter.Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Number of per-key rate limit decisions by scheme and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:     inner,
		tracer:    cfg.tracerProvider.Tracer(instrumentationName),
		duration:  duration,
		errors:    errCounter,
		decisions: decisions,
	}, nil
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error, attrs ...attribute.KeyValue) {
	elapsed := time.Since(start).Seconds()
	opAttrs := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("operation", operation)}, attrs...)...)

	s.duration.Record(ctx, elapsed, opAttrs)

	if err != nil {
		s.errors.Add(ctx, 1, opAttrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

// RecordAndCheck delegates to the wrapped store. Only the key's scheme is
// attached to telemetry; key values stay out of spans and metrics.
func (s *InstrumentedStore) RecordAndCheck(ctx context.Context, key ratelimit.Key, policy ratelimit.Policy, now time.Time) (ratelimit.Decision, error) {
	scheme := attribute.String("ratelimit.scheme", string(key.Scheme()))
	ctx, span := s.tracer.Start(ctx, "ratelimit.RecordAndCheck",
		trace.WithAttributes(
			scheme,
			attribute.Int("ratelimit.max_requests", policy.MaxRequests),
			attribute.String("ratelimit.window", policy.Window.String()),
		),
	)
	start := time.Now()

	decision, err := s.inner.RecordAndCheck(ctx, key, policy, now)
	if err == nil {
		outcome := "allowed"
		if !decision.Allowed {
			outcome = "denied"
		}
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", decision.Allowed),
			attribute.Int("ratelimit.remaining", decision.Remaining),
		)
		s.decisions.Add(ctx, 1, metric.WithAttributes(scheme, attribute.String("outcome", outcome)))
	}

	s.record(ctx, span, "RecordAndCheck", start, err, scheme)
	return decision, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "ratelimit.Ping")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

// ObserveMemoryStore exports the memory store's record counts as
// asynchronous instruments read at collection time.
func ObserveMemoryStore(store *ratelimit.MemoryStore, opts ...InstrumentOption) (metric.Registration, error) {
	cfg := newInstrumentConfig(opts)
	meter := cfg.meterProvider.Meter(instrumentationName)

	active, err := meter.Int64ObservableGauge(
		"ratelimit.memory.active_keys",
		metric.WithDescription("Counter records currently held by the memory store"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, err
	}

	created, err := meter.Int64ObservableCounter(
		"ratelimit.memory.created_keys",
		metric.WithDescription("Counter records created since start"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, err
	}

	evicted, err := meter.Int64ObservableCounter(
		"ratelimit.memory.evicted_keys",
		metric.WithDescription("Counter records removed by sweeps since start"),
		metric.WithUnit("{key}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := store.Stats()
		o.ObserveInt64(active, int64(stats.Active))
		o.ObserveInt64(created, stats.Created)
		o.ObserveInt64(evicted, stats.Evicted)
		return nil
	}, active, created, evicted)
}
