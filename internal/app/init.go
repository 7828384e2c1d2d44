package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/flowforge/inference-gateway/internal/cache"
	"github.com/flowforge/inference-gateway/internal/gateway"
	"github.com/flowforge/inference-gateway/internal/logger"
	"github.com/flowforge/inference-gateway/internal/metrics"
	"github.com/flowforge/inference-gateway/internal/quota"
	"github.com/flowforge/inference-gateway/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis or REDIS_URL is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		if a.cfg.Cache.Mode == "redis" {
			return fmt.Errorf("redis: %w", err)
		}
		a.log.Warn("redis unavailable, quota store falls back to in-process", slog.String("error", err.Error()))
		return nil
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initBackends builds the backend adapter list. At least one backend must
// be configured — config.Load's validate() enforces this before we reach
// here, so an empty result means the caller bypassed config.Load.
func (a *App) initBackends(_ context.Context) error {
	a.backends = buildBackends(a.cfg)
	if len(a.backends) == 0 {
		return fmt.Errorf("no backend API keys configured")
	}

	ids := make([]string, len(a.backends))
	for i, b := range a.backends {
		ids[i] = b.ID()
	}
	a.log.Info("backends loaded", slog.Any("backends", ids))

	return nil
}

// initServices creates the request logger, the in-process cache, and the
// Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(npCache.DefaultCapacity)
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the router, coalescers, batcher, cache, and quota
// manager into the Gateway.
func (a *App) initGateway(_ context.Context) error {
	// ── Response cache ───────────────────────────────────────────────────
	var respCache *npCache.ResponseCache
	switch a.cfg.Cache.Mode {
	case "redis":
		exact := npCache.NewExactCacheFromClient(a.rdb)
		exclusion, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		respCache = npCache.NewResponseCache(exact, a.cfg.Redis.Prefix, a.cfg.Cache.TTL, exclusion)
	case "memory":
		exclusion, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		respCache = npCache.NewResponseCache(a.memCache, a.cfg.Redis.Prefix, a.cfg.Cache.TTL, exclusion)
	case "none":
		respCache = nil
	}

	// ── Quota manager ────────────────────────────────────────────────────
	store := newQuotaStore(a.baseCtx, a.cfg, a.rdb)
	qm := quota.New(store, quota.Config{
		Limits: quota.Limits{
			RequestsPerMinute: a.cfg.Quota.RequestsPerMinute,
			TokensPerMinute:   a.cfg.Quota.TokensPerMinute,
			TokensPerDay:      a.cfg.Quota.TokensPerDay,
		},
		FailOpen: a.cfg.Quota.FailOpen,
	})

	// ── Router ───────────────────────────────────────────────────────────
	r := router.New(a.baseCtx, a.backends, router.Config{
		FailThreshold: a.cfg.CircuitBreaker.ErrorThreshold,
		Cooldown:      a.cfg.CircuitBreaker.Cooldown,
		ProbeInterval: a.cfg.CircuitBreaker.ProbeInterval,
	})
	a.router = r

	// ── Batcher ──────────────────────────────────────────────────────────
	batcher := batchScheduler(a.cfg, r.Execute)

	// ── Gateway ──────────────────────────────────────────────────────────
	a.gw = gateway.New(r, gateway.Options{
		Logger:         a.log,
		Metrics:        a.prom,
		ReqLogger:      a.reqLogger,
		ResponseCache:  respCache,
		Quota:          qm,
		Keys:           gateway.NewKeySet(a.cfg.Keys),
		Batcher:        batcher,
		RequestTimeout: a.cfg.RequestTimeout,
		CORSOrigins:    a.cfg.CORSOrigins,
	})

	return nil
}
