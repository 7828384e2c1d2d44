// Package fingerprint computes the content-addressed digest used to key the
// cache and the coalescer pools. Two NormalizedRequests with equal
// (model, messages, generation) always fingerprint identically regardless of
// RequestID, UserID, or Stream.
package fingerprint

import (
	"crypto/sha256"
	"strconv"
	"strings"

	"github.com/flowforge/inference-gateway/internal/backend"
)

const (
	unitSeparator = '\x1F'
	recordSeparator = '\x1E'
)

// Fingerprint is a 32-byte SHA-256 digest over the canonical encoding of a
// request's model, messages, and normalized generation parameters.
type Fingerprint [sha256.Size]byte

// Hex returns the lowercase hex encoding of the fingerprint, used as the
// cache and coalescer map key.
func (f Fingerprint) Hex() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, len(f)*2)
	for i, b := range f {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// Of computes the fingerprint of a request. It depends only on Model,
// Messages, and Generation — never on RequestID, UserID, WorkspaceID,
// APIKeyID, or Stream — and is pure and idempotent: calling it twice on
// equal inputs always yields equal output.
func Of(model string, messages []backend.Message, gen backend.Generation) Fingerprint {
	var sb strings.Builder

	sb.WriteString(model)
	sb.WriteByte(recordSeparator)

	for _, m := range messages {
		sb.WriteString(string(m.Role))
		sb.WriteByte(unitSeparator)
		sb.WriteString(m.Content)
		sb.WriteByte(recordSeparator)
	}

	normalized := backend.NormalizeGeneration(gen)
	sb.WriteString(strconv.FormatUint(uint64(normalized.MaxTokens), 10))
	sb.WriteByte('|')
	sb.WriteString(formatFixed6(clamp(normalized.Temperature, 0, 2)))
	sb.WriteByte('|')
	sb.WriteString(formatFixed6(clamp(normalized.TopP, 0, 1)))

	return sha256.Sum256([]byte(sb.String()))
}

// OfRequest is a convenience wrapper over Of for a NormalizedRequest.
func OfRequest(req *backend.NormalizedRequest) Fingerprint {
	return Of(req.Model, req.Messages, req.Generation)
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// formatFixed6 renders v as fixed-point with exactly 6 fractional digits, so
// formatting is stable across Go versions and platforms (strconv's shortest
// round-trippable representation is not used here on purpose).
func formatFixed6(v float32) string {
	return strconv.FormatFloat(float64(v), 'f', 6, 32)
}
