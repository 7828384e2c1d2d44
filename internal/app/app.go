// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, when configured)
//  2. initBackends  — LLM backend adapters
//  3. initServices  — request logger, in-process cache, metrics registry
//  4. initGateway   — quota store, router, batcher, gateway.Gateway
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/inference-gateway/internal/backend"
	npCache "github.com/flowforge/inference-gateway/internal/cache"
	anthropicbackend "github.com/flowforge/inference-gateway/internal/backend/anthropic"
	openaibackend "github.com/flowforge/inference-gateway/internal/backend/openai"
	"github.com/flowforge/inference-gateway/internal/batch"
	"github.com/flowforge/inference-gateway/internal/config"
	"github.com/flowforge/inference-gateway/internal/gateway"
	"github.com/flowforge/inference-gateway/internal/logger"
	"github.com/flowforge/inference-gateway/internal/metrics"
	"github.com/flowforge/inference-gateway/internal/quota"
	"github.com/flowforge/inference-gateway/internal/router"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	reqLogger *logger.Logger
	memCache  *npCache.MemoryCache

	prom *metrics.Registry

	backends []backend.Backend
	router   *router.Router
	gw       *gateway.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backends", a.initBackends},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("backends", len(a.backends)),
		slog.Bool("batcher_enabled", a.cfg.Batch.Enabled),
	)

	srv := &fasthttp.Server{
		Handler:      a.gw.Handler(),
		ReadTimeout:  a.cfg.RequestTimeout,
		WriteTimeout: a.cfg.RequestTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		_ = srv.Shutdown()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times; concurrent calls are not synchronized.
func (a *App) Close() {
	if a.router != nil {
		a.router.Close()
		a.router = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildBackends creates a Backend for every configured adapter with a
// non-empty API key.
func buildBackends(cfg *config.Config) []backend.Backend {
	var backends []backend.Backend

	if cfg.OpenAI.APIKey != "" {
		var opts []openaibackend.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaibackend.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		backends = append(backends, openaibackend.New(cfg.OpenAI.APIKey, opts...))
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicbackend.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicbackend.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		backends = append(backends, anthropicbackend.New(cfg.Anthropic.APIKey, opts...))
	}

	return backends
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

// newQuotaStore returns the Store backing the QuotaManager: Redis when
// configured, otherwise a process-local store with its own sweeper.
func newQuotaStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) quota.Store {
	if rdb != nil {
		return quota.NewRedisStore(rdb)
	}
	local := quota.NewLocalStore()
	local.StartSweeper(ctx, time.Minute)
	return local
}

// batchScheduler returns a *batch.Scheduler wrapping exec when batching is
// enabled, or nil when disabled — Gateway treats a nil Batcher as "send every
// unary request straight to the router."
func batchScheduler(cfg *config.Config, exec batch.Executor) *batch.Scheduler {
	if !cfg.Batch.Enabled {
		return nil
	}
	return batch.NewScheduler(cfg.Batch.MaxWait, cfg.Batch.MaxSize, exec)
}
