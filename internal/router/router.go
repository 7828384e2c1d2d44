// Package router selects among configured backends using round-robin
// cursor selection gated by a per-backend circuit breaker, retries
// transient failures against a different backend, and runs a background
// health prober that feeds circuit state independent of live traffic.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
)

// DefaultMaxRetries is R_retry, the number of additional backends tried
// after the first selection fails with a Transient error.
const DefaultMaxRetries = 2

// ErrNoHealthyBackend is returned when no registered backend's circuit is
// closed or eligible for a half-open probe.
var ErrNoHealthyBackend = errors.New("router: no healthy backend available")

// Handle wraps a backend with the router's view of its identity.
type Handle struct {
	Backend backend.Backend
}

// Router selects a backend for each request from an ordered list of
// handles, retrying on transient failures and failing fast on
// non-transient ones.
type Router struct {
	handles    []*Handle
	cb         *circuitBreaker
	prober     *healthProber
	maxRetries int
	cursor     atomic.Uint64
}

// Config tunes Router selection and recovery behavior.
type Config struct {
	FailThreshold int           // F_open, default DefaultFailThreshold
	Cooldown      time.Duration // T_cooldown, default DefaultCooldown
	ProbeInterval time.Duration // T_probe, default DefaultProbeInterval
	MaxRetries    int           // R_retry, default DefaultMaxRetries
}

// New creates a Router over backends and starts its background health
// prober against ctx. Callers must call Close to stop the prober.
func New(ctx context.Context, backends []backend.Backend, cfg Config) *Router {
	handles := make([]*Handle, len(backends))
	for i, b := range backends {
		handles[i] = &Handle{Backend: b}
	}

	cb := newCircuitBreaker(cfg.FailThreshold, cfg.Cooldown)

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	r := &Router{
		handles:    handles,
		cb:         cb,
		maxRetries: maxRetries,
	}
	r.prober = newHealthProber(handles, cb, cfg.ProbeInterval)
	r.prober.start(ctx)

	return r
}

// Close stops the background health prober.
func (r *Router) Close() {
	r.prober.stop()
}

// Execute runs req against a selected backend, retrying up to MaxRetries
// additional backends on Transient errors. Non-transient errors are
// surfaced immediately without retry.
func (r *Router) Execute(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
	var lastErr error
	attempts := r.maxRetries + 1

	tried := make(map[string]bool, attempts)

	for i := 0; i < attempts; i++ {
		h, err := r.selectHandleExcluding(tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[h.Backend.ID()] = true

		resp, err := h.Backend.Execute(ctx, req)
		if err == nil {
			r.cb.recordSuccess(h.Backend.ID())
			return resp, nil
		}

		r.cb.recordFailure(h.Backend.ID())
		lastErr = fmt.Errorf("router: backend %q: %w", h.Backend.ID(), err)

		if !backend.Transient(err) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// Stream runs req against a selected backend in streaming mode. Streaming
// requests are not retried mid-stream — once bytes may have reached the
// client, switching backends would duplicate output — so only the initial
// Stream() call (before any chunk is delivered) is eligible for failover.
func (r *Router) Stream(ctx context.Context, req *backend.NormalizedRequest) (<-chan backend.Chunk, error) {
	var lastErr error
	attempts := r.maxRetries + 1
	tried := make(map[string]bool, attempts)

	for i := 0; i < attempts; i++ {
		h, err := r.selectHandleExcluding(tried)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		tried[h.Backend.ID()] = true

		ch, err := h.Backend.Stream(ctx, req)
		if err == nil {
			r.cb.recordSuccess(h.Backend.ID())
			return ch, nil
		}

		r.cb.recordFailure(h.Backend.ID())
		lastErr = fmt.Errorf("router: backend %q: %w", h.Backend.ID(), err)

		if !backend.Transient(err) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// selectHandleExcluding advances the round-robin cursor and returns the
// first untried handle whose circuit is closed or eligible for a half-open
// probe.
func (r *Router) selectHandleExcluding(tried map[string]bool) (*Handle, error) {
	n := len(r.handles)
	if n == 0 {
		return nil, ErrNoHealthyBackend
	}

	start := r.cursor.Add(1)
	for i := 0; i < n; i++ {
		idx := int((start + uint64(i)) % uint64(n))
		h := r.handles[idx]
		if tried[h.Backend.ID()] {
			continue
		}
		if r.cb.allow(h.Backend.ID()) {
			return h, nil
		}
	}
	return nil, ErrNoHealthyBackend
}

// StateLabel returns the named backend's circuit state for metrics export.
func (r *Router) StateLabel(backendID string) string {
	return r.cb.stateLabel(backendID)
}

// Ready reports whether at least one registered backend's circuit is not
// open, used by the readiness probe to distinguish "starting up" from "every
// backend has tripped its breaker."
func (r *Router) Ready() bool {
	for _, h := range r.handles {
		if r.cb.stateLabel(h.Backend.ID()) != "open" {
			return true
		}
	}
	return len(r.handles) == 0
}
