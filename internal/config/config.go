// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment
// variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
//
// Redis is optional — set CACHE_MODE=memory (the default) to use the
// built-in in-process cache and the in-process quota store, with no
// external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Keys is the CSV-decoded allowlist of x-api-key values accepted on
	// POST /v1/chat/completions. Default: ["dev-key"].
	Keys []string

	// OpenAI and Anthropic are the two backend adapters the router selects
	// among. At least one must have a non-empty APIKey.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig

	// ProviderTimeout is read from PROVIDER_TIMEOUT_SECS. Default: 30s. It is
	// not passed to the backend adapters, which bound each call with
	// backend.DefaultTimeout.
	ProviderTimeout time.Duration

	// Redis holds the remote KV connection used to back the quota store and
	// (when Cache.Mode is "redis") the response cache. Empty URL means
	// every replica keeps its own process-local state.
	Redis RedisConfig

	// Quota controls per-key request and token budgets.
	Quota QuotaConfig

	// Cache controls the unary response cache.
	Cache CacheConfig

	// Batch controls micro-batching admission.
	Batch BatchConfig

	// CircuitBreaker controls per-backend failure-tripping and recovery
	// probing.
	CircuitBreaker CircuitBreakerConfig

	// RequestTimeout bounds the whole per-request pipeline. Default: 60s.
	RequestTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single backend adapter.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the backend.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds Redis connection configuration shared by the quota store
// and the remote response cache.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string

	// Prefix namespaces response cache keys when a single Redis instance
	// backs several gateway deployments. Quota keys are not prefixed.
	// Default: "gateway".
	Prefix string
}

// QuotaConfig controls per-key request and token budgets.
type QuotaConfig struct {
	// RequestsPerMinute, TokensPerMinute, TokensPerDay are the per-key
	// budgets. A zero value means "unlimited" for that dimension.
	RequestsPerMinute int64
	TokensPerMinute   int64
	TokensPerDay      int64

	// FailOpen, when true, lets requests through on a quota store error
	// instead of rejecting them. Default: true.
	FailOpen bool
}

// CacheConfig controls the unary response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed, shared across replicas. Requires REDIS_URL.
	//   "memory" — in-process bounded LRU with per-entry TTL. Default.
	//   "none"   — cache disabled entirely.
	Mode string

	// TTL is the default lifetime of a cached response. Default: 90s.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names; requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// BatchConfig controls micro-batching admission.
type BatchConfig struct {
	// Enabled turns on the micro-batching scheduler for non-streaming
	// requests. When false, every unary request goes straight from the
	// coalescer to the router. Default: true.
	Enabled bool

	// MaxSize is M_batch, the queue-size flush trigger. Default: 8.
	MaxSize int

	// MaxWait is T_wait, the flush deadline. Default: 10ms.
	MaxWait time.Duration
}

// CircuitBreakerConfig controls per-backend circuit breaker and health
// probing behavior.
type CircuitBreakerConfig struct {
	// ErrorThreshold is F_open, the number of consecutive failures that
	// trip a backend's circuit. Default: 3.
	ErrorThreshold int

	// Cooldown is T_cooldown, how long a tripped circuit stays open before
	// allowing a half-open probe. Default: 30s.
	Cooldown time.Duration

	// ProbeInterval is T_probe, the background health prober's polling
	// period. Default: 10s.
	ProbeInterval time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("REQUEST_TIMEOUT_SECS", 60)

	v.SetDefault("GATEWAY_API_KEYS", "dev-key")
	v.SetDefault("GATEWAY_LIMIT_REQUESTS_PER_MINUTE", 120)
	v.SetDefault("GATEWAY_LIMIT_TOKENS_PER_MINUTE", 120_000)
	v.SetDefault("GATEWAY_LIMIT_TOKENS_PER_DAY", 2_000_000)
	v.SetDefault("GATEWAY_QUOTA_FAIL_OPEN", true)

	v.SetDefault("GATEWAY_CACHE_TTL_SECS", 90)
	v.SetDefault("CACHE_MODE", "memory")

	v.SetDefault("GATEWAY_BATCH_ENABLED", true)
	v.SetDefault("GATEWAY_BATCH_MAX_SIZE", 8)
	v.SetDefault("GATEWAY_BATCH_MAX_WAIT_MS", 10)

	v.SetDefault("GATEWAY_REDIS_PREFIX", "gateway")

	v.SetDefault("CB_ERROR_THRESHOLD", 3)
	v.SetDefault("CB_COOLDOWN_SECS", 30)
	v.SetDefault("CB_PROBE_INTERVAL_SECS", 10)

	v.SetDefault("PROVIDER_TIMEOUT_SECS", 30)

	// ── Build config ──────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Keys: splitCSV(v.GetString("GATEWAY_API_KEYS")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},

		ProviderTimeout: time.Duration(v.GetInt("PROVIDER_TIMEOUT_SECS")) * time.Second,

		Redis: RedisConfig{
			URL:    v.GetString("REDIS_URL"),
			Prefix: v.GetString("GATEWAY_REDIS_PREFIX"),
		},

		Quota: QuotaConfig{
			RequestsPerMinute: v.GetInt64("GATEWAY_LIMIT_REQUESTS_PER_MINUTE"),
			TokensPerMinute:   v.GetInt64("GATEWAY_LIMIT_TOKENS_PER_MINUTE"),
			TokensPerDay:      v.GetInt64("GATEWAY_LIMIT_TOKENS_PER_DAY"),
			FailOpen:          v.GetBool("GATEWAY_QUOTA_FAIL_OPEN"),
		},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             time.Duration(v.GetInt("GATEWAY_CACHE_TTL_SECS")) * time.Second,
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Batch: BatchConfig{
			Enabled: v.GetBool("GATEWAY_BATCH_ENABLED"),
			MaxSize: v.GetInt("GATEWAY_BATCH_MAX_SIZE"),
			MaxWait: time.Duration(v.GetInt("GATEWAY_BATCH_MAX_WAIT_MS")) * time.Millisecond,
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold: v.GetInt("CB_ERROR_THRESHOLD"),
			Cooldown:       time.Duration(v.GetInt("CB_COOLDOWN_SECS")) * time.Second,
			ProbeInterval:  time.Duration(v.GetInt("CB_PROBE_INTERVAL_SECS")) * time.Second,
		},

		RequestTimeout: time.Duration(v.GetInt("REQUEST_TIMEOUT_SECS")) * time.Second,
		CORSOrigins:    v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Keys) == 0 {
		return fmt.Errorf("config: GATEWAY_API_KEYS must contain at least one key")
	}

	if c.OpenAI.APIKey == "" && c.Anthropic.APIKey == "" {
		return fmt.Errorf(
			"config: at least one backend API key is required (OPENAI_API_KEY or ANTHROPIC_API_KEY)",
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN_SECS must be a positive duration")
	}
	if c.Batch.Enabled && c.Batch.MaxSize < 1 {
		return fmt.Errorf("config: GATEWAY_BATCH_MAX_SIZE must be ≥ 1, got %d", c.Batch.MaxSize)
	}
	if c.Batch.Enabled && c.Batch.MaxWait <= 0 {
		return fmt.Errorf("config: GATEWAY_BATCH_MAX_WAIT_MS must be a positive duration")
	}

	return nil
}

// splitCSV splits a comma-separated env var into a trimmed, non-empty slice.
func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
