// Package mock provides an in-process Backend used for local development and
// the request-plane concurrency tests: no network hop, no credentials,
// configurable latency and error injection. Responses are randomly worded,
// not deterministic — it is coalescing, not the mock, that guarantees
// concurrent identical requests observe identical output.
package mock

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flowforge/inference-gateway/internal/backend"
)

// fakeWords mirrors the word pool used by the teacher's mock HTTP servers,
// so responses have the same flavor whether served in-process or over HTTP.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "this", "is", "a", "mock", "response", "from", "the",
	"mock", "backend", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// Backend is an in-process backend.Backend implementation with injectable
// latency and error rate.
//
// Invocations is incremented on every Execute/Stream call — scenario tests
// assert on it to verify coalescing invoked the backend exactly once despite
// many concurrent callers.
type Backend struct {
	id          string
	LatencyMS   int
	ErrorRate   float64
	StreamWords int

	Invocations atomic.Int64
}

// New creates a Backend with the given ID. Zero-valued fields behave as the
// fastest, error-free, 10-word-stream configuration.
func New(id string) *Backend {
	return &Backend{id: id, StreamWords: 10}
}

func (b *Backend) ID() string { return b.id }

func (b *Backend) HealthCheck(ctx context.Context) error {
	return nil
}

func (b *Backend) Execute(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
	b.Invocations.Add(1)

	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	if b.shouldError() {
		return nil, &Error{StatusCode: 500, Message: "mock backend simulated failure"}
	}

	gen := backend.NormalizeGeneration(req.Generation)
	words := int(gen.MaxTokens)
	if words <= 0 || words > 64 {
		words = 16
	}
	text := fakeSentence(req.Model, words)

	return &backend.Response{
		ID:               fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Model:             req.Model,
		CompletionText:    text,
		PromptTokens:      estimateTokens(req),
		CompletionTokens:  words,
		FinishReason:      backend.FinishStop,
	}, nil
}

func (b *Backend) Stream(ctx context.Context, req *backend.NormalizedRequest) (<-chan backend.Chunk, error) {
	b.Invocations.Add(1)

	if err := b.delay(ctx); err != nil {
		return nil, err
	}
	if b.shouldError() {
		return nil, &Error{StatusCode: 500, Message: "mock backend simulated failure"}
	}

	n := b.StreamWords
	if n <= 0 {
		n = 10
	}

	ch := make(chan backend.Chunk, n+1)
	go func() {
		defer close(ch)
		for i := 0; i < n; i++ {
			word := fakeWords[rand.IntN(len(fakeWords))]
			select {
			case ch <- backend.Chunk{DeltaText: word + " "}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- backend.Chunk{FinishReason: backend.FinishStop}:
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

func (b *Backend) delay(ctx context.Context) error {
	if b.LatencyMS <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(b.LatencyMS) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) shouldError() bool {
	if b.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < b.ErrorRate
}

func fakeSentence(seed string, n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func estimateTokens(req *backend.NormalizedRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	return chars/4 + 1
}

// Error is the error type returned by a simulated mock failure.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string { return e.Message }

// HTTPStatus implements backend.StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }
