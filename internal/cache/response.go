package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
	"github.com/flowforge/inference-gateway/internal/fingerprint"
)

// DefaultTTL is the default lifetime of a cached response (T_cache).
const DefaultTTL = 90 * time.Second

// ResponseCache stores unary (non-streaming) backend responses keyed by
// request fingerprint. Streaming responses are never cached — only
// stream=false completions reach Put.
type ResponseCache struct {
	store     Cache
	prefix    string
	ttl       time.Duration
	exclusion *ExclusionList
}

// NewResponseCache wraps store with the fingerprint-to-response keying
// scheme. prefix namespaces keys when a single Redis instance backs several
// gateway deployments. exclusion may be nil.
func NewResponseCache(store Cache, prefix string, ttl time.Duration, exclusion *ExclusionList) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{store: store, prefix: prefix, ttl: ttl, exclusion: exclusion}
}

func (rc *ResponseCache) key(fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("c:%s:%s", rc.prefix, fp.Hex())
}

// Eligible reports whether a request for model may participate in caching.
// Only non-streaming requests for non-excluded models are eligible.
func (rc *ResponseCache) Eligible(model string, stream bool) bool {
	if stream {
		return false
	}
	return !rc.exclusion.Matches(model)
}

// Get returns the cached response for fp, if present and unexpired.
func (rc *ResponseCache) Get(ctx context.Context, fp fingerprint.Fingerprint) (*backend.Response, bool) {
	raw, ok := rc.store.Get(ctx, rc.key(fp))
	if !ok {
		return nil, false
	}
	var resp backend.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false
	}
	return &resp, true
}

// Put stores resp under fp's key with the configured TTL. Callers must only
// call Put after a non-error, non-streaming completion.
func (rc *ResponseCache) Put(ctx context.Context, fp fingerprint.Fingerprint, resp *backend.Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: marshal response: %w", err)
	}
	return rc.store.Set(ctx, rc.key(fp), raw, rc.ttl)
}
