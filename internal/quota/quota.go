// Package quota enforces per-key request and token budgets over fixed
// minute and day windows, backed by either a local process-wide store or a
// shared Redis store for multi-replica deployments.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
	ttlSlack     = 10 * time.Second
)

// Limits are the configured budgets for a single key. A zero limit means
// "unlimited" for that dimension.
type Limits struct {
	RequestsPerMinute int64
	TokensPerMinute   int64
	TokensPerDay      int64
}

// Config tunes QuotaManager behavior.
type Config struct {
	Limits Limits
	// FailOpen, when true, lets requests through (logging instead) if the
	// Store returns an error — prioritizing availability over strict
	// enforcement. When false, store errors are surfaced as RateLimited.
	FailOpen bool
}

// Headers are the rate-limit response headers produced by a charge.
type Headers struct {
	LimitRequests     int64
	RemainingRequests int64
	LimitTokens       int64
	RemainingTokens   int64
	ResetSeconds      int64
}

// Set applies the headers to a header-setting function, matching the shape
// fasthttp.RequestCtx and http.Header both support via a small adapter.
func (h Headers) Set(setHeader func(key, value string)) {
	setHeader("x-ratelimit-limit-requests", fmt.Sprintf("%d", h.LimitRequests))
	setHeader("x-ratelimit-remaining-requests", fmt.Sprintf("%d", h.RemainingRequests))
	setHeader("x-ratelimit-limit-tokens", fmt.Sprintf("%d", h.LimitTokens))
	setHeader("x-ratelimit-remaining-tokens", fmt.Sprintf("%d", h.RemainingTokens))
	setHeader("x-ratelimit-reset", fmt.Sprintf("%d", h.ResetSeconds))
}

// RateLimitedError is returned by Charge when any configured budget is
// exceeded.
type RateLimitedError struct {
	RetryAfterSeconds int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("quota: rate limited, retry after %ds", e.RetryAfterSeconds)
}

// HTTPStatus implements backend.StatusCoder so the gateway's error mapper
// renders this as HTTP 429 without a type switch on quota internals.
func (e *RateLimitedError) HTTPStatus() int { return 429 }

// QuotaManager charges estimated token usage against per-key budgets before
// a request reaches the router, then reconciles the estimate against actual
// usage once a backend completes.
type QuotaManager struct {
	store Store
	cfg   Config
}

// New creates a QuotaManager backed by store.
func New(store Store, cfg Config) *QuotaManager {
	return &QuotaManager{store: store, cfg: cfg}
}

// EstimateTokens computes a deliberately loose upper bound on prompt tokens
// plus the requested completion budget: ceil(total_chars / 4) + max_tokens.
// Reconcile corrects the estimate once the backend reports actual usage.
func EstimateTokens(messages []backend.Message, maxTokens uint32) int64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	promptEstimate := int64(math.Ceil(float64(chars) / 4))
	return promptEstimate + int64(maxTokens)
}

// Charge increments the requests/min, tokens/min, and tokens/day counters
// for key by 1 request and estTokens tokens respectively, comparing each
// against its configured limit. If any counter exceeds its limit, the
// counters already incremented in this call are decremented best-effort and
// RateLimitedError is returned with the retry_after of the most constrained
// window.
func (qm *QuotaManager) Charge(ctx context.Context, key string, estTokens int64) (Headers, error) {
	now := time.Now()
	minuteEpoch := now.Unix() / int64(minuteWindow.Seconds())
	dayEpoch := now.Unix() / int64(dayWindow.Seconds())

	reqKey := fmt.Sprintf("q:req:%s:%d", key, minuteEpoch)
	tokMinKey := fmt.Sprintf("q:tok:%s:%d", key, minuteEpoch)
	tokDayKey := fmt.Sprintf("q:tok_day:%s:%d", key, dayEpoch)

	type charged struct {
		key   string
		delta int64
	}
	var applied []charged
	rollback := func() {
		for _, c := range applied {
			_ = qm.store.DecrBy(ctx, c.key, c.delta)
		}
	}

	reqCount, err := qm.store.IncrBy(ctx, reqKey, 1, minuteWindow+ttlSlack)
	if err != nil {
		return qm.handleStoreError(ctx, "requests", err)
	}
	applied = append(applied, charged{reqKey, 1})

	if qm.cfg.Limits.RequestsPerMinute > 0 && reqCount > qm.cfg.Limits.RequestsPerMinute {
		rollback()
		return Headers{}, &RateLimitedError{RetryAfterSeconds: secondsUntilNextWindow(now, minuteWindow)}
	}

	tokMinCount, err := qm.store.IncrBy(ctx, tokMinKey, estTokens, minuteWindow+ttlSlack)
	if err != nil {
		return qm.handleStoreError(ctx, "tokens_min", err)
	}
	applied = append(applied, charged{tokMinKey, estTokens})

	if qm.cfg.Limits.TokensPerMinute > 0 && tokMinCount > qm.cfg.Limits.TokensPerMinute {
		rollback()
		return Headers{}, &RateLimitedError{RetryAfterSeconds: secondsUntilNextWindow(now, minuteWindow)}
	}

	tokDayCount, err := qm.store.IncrBy(ctx, tokDayKey, estTokens, dayWindow+ttlSlack)
	if err != nil {
		return qm.handleStoreError(ctx, "tokens_day", err)
	}
	applied = append(applied, charged{tokDayKey, estTokens})

	if qm.cfg.Limits.TokensPerDay > 0 && tokDayCount > qm.cfg.Limits.TokensPerDay {
		rollback()
		return Headers{}, &RateLimitedError{RetryAfterSeconds: secondsUntilNextWindow(now, dayWindow)}
	}

	return Headers{
		LimitRequests:     qm.cfg.Limits.RequestsPerMinute,
		RemainingRequests: remaining(qm.cfg.Limits.RequestsPerMinute, reqCount),
		LimitTokens:       qm.cfg.Limits.TokensPerMinute,
		RemainingTokens:   remaining(qm.cfg.Limits.TokensPerMinute, tokMinCount),
		ResetSeconds:      secondsUntilNextWindow(now, minuteWindow),
	}, nil
}

// Reconcile settles the difference between the estimate charged at request
// time and the backend's reported actual usage. Called after completion;
// errors are logged and otherwise ignored since the request has already
// been served.
func (qm *QuotaManager) Reconcile(ctx context.Context, key string, estTokens, actualTokens int64) {
	delta := actualTokens - estTokens
	if delta == 0 {
		return
	}

	now := time.Now()
	minuteEpoch := now.Unix() / int64(minuteWindow.Seconds())
	dayEpoch := now.Unix() / int64(dayWindow.Seconds())

	tokMinKey := fmt.Sprintf("q:tok:%s:%d", key, minuteEpoch)
	tokDayKey := fmt.Sprintf("q:tok_day:%s:%d", key, dayEpoch)

	if _, err := qm.store.IncrBy(ctx, tokMinKey, delta, minuteWindow+ttlSlack); err != nil {
		slog.WarnContext(ctx, "quota_reconcile_error", slog.String("key", key), slog.String("error", err.Error()))
	}
	if _, err := qm.store.IncrBy(ctx, tokDayKey, delta, dayWindow+ttlSlack); err != nil {
		slog.WarnContext(ctx, "quota_reconcile_error", slog.String("key", key), slog.String("error", err.Error()))
	}
}

func (qm *QuotaManager) handleStoreError(ctx context.Context, dimension string, err error) (Headers, error) {
	slog.WarnContext(ctx, "quota_store_error", slog.String("dimension", dimension), slog.String("error", err.Error()))
	if qm.cfg.FailOpen {
		return Headers{}, nil
	}
	return Headers{}, &RateLimitedError{RetryAfterSeconds: int64(minuteWindow.Seconds())}
}

func remaining(limit, used int64) int64 {
	if limit <= 0 {
		return 0
	}
	r := limit - used
	if r < 0 {
		r = 0
	}
	return r
}

func secondsUntilNextWindow(now time.Time, window time.Duration) int64 {
	elapsed := now.Unix() % int64(window.Seconds())
	return int64(window.Seconds()) - elapsed
}
