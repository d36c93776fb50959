package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"ratelimiter/internal/models"
	"ratelimiter/internal/ratelimit"
)

// NewStore creates the counter store named by cfg.Store. The memory store is
// also returned on its own so its stats can be exported; it is nil for Redis.
func NewStore(ctx context.Context, cfg models.RateLimitConfig) (ratelimit.Store, *ratelimit.MemoryStore, error) {
	switch cfg.Store {
	case models.StoreTypeMemory, "":
		mem := ratelimit.NewMemoryStore(
			ratelimit.WithCleanupInterval(cfg.CleanupInterval),
			ratelimit.WithRetention(cfg.Retention),
		)
		return mem, mem, nil
	case models.StoreTypeRedis:
		rs, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store type: %s", cfg.Store)
	}
}

// NewLimiter builds the rate limiting middleware over store. The health
// endpoint is always exempt.
func NewLimiter(cfg models.RateLimitConfig, store ratelimit.Store, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	mode, err := ratelimit.ParseFailMode(cfg.FailMode)
	if err != nil {
		return nil, err
	}

	resolver, err := ratelimit.NewPolicyResolver(cfg.IP, cfg.Token, cfg.TokenOverrides)
	if err != nil {
		return nil, err
	}

	engine := ratelimit.NewEngine(store, ratelimit.WithFailMode(mode))

	return ratelimit.Middleware(engine, resolver,
		ratelimit.WithExtractor(ratelimit.KeyExtractor{
			TokenHeader:       cfg.TokenHeader,
			TrustProxyHeaders: cfg.TrustProxyHeaders,
		}),
		ratelimit.WithHeaders(cfg.Headers),
		ratelimit.WithLogger(logger),
		ratelimit.WithSkip(IsHealthCheck),
	), nil
}
