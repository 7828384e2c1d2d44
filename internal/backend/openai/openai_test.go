package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/flowforge/inference-gateway/internal/backend"
)

func newTestBackend(srv *httptest.Server) *Backend {
	return New("mock-api-key", WithBaseURL(srv.URL))
}

func baseRequest() *backend.NormalizedRequest {
	return &backend.NormalizedRequest{
		Model:    "gpt-4o",
		Messages: []backend.Message{{Role: backend.RoleUser, Content: "Hello"}},
	}
}

func TestBackendID(t *testing.T) {
	b := New("key")
	if b.ID() != "openai" {
		t.Fatalf("expected 'openai', got %q", b.ID())
	}
}

func TestExecuteSuccess(t *testing.T) {
	responseBody := map[string]any{
		"id":      "chatcmpl-123",
		"object":  "chat.completion",
		"created": 0,
		"model":   "gpt-4o",
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": "Hello, world!",
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(responseBody)
	}))
	defer srv.Close()

	b := newTestBackend(srv)
	resp, err := b.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", resp.ID)
	}
	if resp.CompletionText != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.CompletionText)
	}
	if resp.PromptTokens != 10 {
		t.Errorf("expected 10 prompt tokens, got %d", resp.PromptTokens)
	}
	if resp.CompletionTokens != 5 {
		t.Errorf("expected 5 completion tokens, got %d", resp.CompletionTokens)
	}
	if resp.FinishReason != backend.FinishStop {
		t.Errorf("expected finish reason stop, got %v", resp.FinishReason)
	}
}

func TestStreamEmitsDeltas(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	b := newTestBackend(srv)
	ch, err := b.Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var content string
	for c := range ch {
		content += c.DeltaText
	}

	if content != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content)
	}
}

func TestExecuteRateLimitError(t *testing.T) {
	errBody := map[string]any{
		"error": map[string]any{
			"message": "Rate limit exceeded",
			"type":    "rate_limit_error",
			"code":    "rate_limit_exceeded",
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errBody)
	}))
	defer srv.Close()

	b := newTestBackend(srv)
	_, err := b.Execute(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	backendErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if backendErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", backendErr.StatusCode)
	}
	if !strings.Contains(strings.ToLower(backendErr.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", backendErr.Message)
	}
}

func TestBaseURLTransportRewritesHost(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rt := newBaseURLTransport(http.DefaultTransport, srv.URL+"/custom")
	client := &http.Client{Transport: rt}

	req, _ := http.NewRequest(http.MethodGet, "https://api.openai.com/v1/models", nil)
	if _, err := client.Do(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(gotPath, "/custom/") {
		t.Errorf("expected rewritten path under /custom/, got %q", gotPath)
	}
}
