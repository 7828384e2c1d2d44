package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/valyala/fasthttp"
)

// KeySet holds the allowed x-api-key values and resolves each to an opaque
// principal identifier used for quota partitioning and logging. Keys are
// compared in constant time to avoid a timing side channel on key guessing.
type KeySet struct {
	allowed map[string]string // raw key -> principal id (sha256 hex, first 16 chars)
}

// NewKeySet builds a KeySet from the configured allowlist (e.g. the CSV
// value of GATEWAY_API_KEYS). Empty or duplicate entries are ignored.
func NewKeySet(keys []string) *KeySet {
	ks := &KeySet{allowed: make(map[string]string, len(keys))}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		ks.allowed[k] = principalID(k)
	}
	return ks
}

func principalID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:16]
}

// Authenticate checks the request's x-api-key header against the allowed
// set in constant time and returns the resolved principal id. ok is false
// when the header is missing or matches no configured key.
func (ks *KeySet) Authenticate(ctx *fasthttp.RequestCtx) (principal string, ok bool) {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("x-api-key")))
	if raw == "" {
		return "", false
	}
	for key, id := range ks.allowed {
		if subtle.ConstantTimeCompare([]byte(raw), []byte(key)) == 1 {
			return id, true
		}
	}
	return "", false
}
