package anthropic

import (
	"context"
	"encoding/json"
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
		Model:    "claude-3-5-sonnet",
		Messages: []backend.Message{{Role: backend.RoleUser, Content: "Hello"}},
	}
}

func isMessagesPath(p string) bool {
	return p == "/messages" || p == "/v1/messages"
}

func respondMessageJSON(w http.ResponseWriter, id, model, text string, inTok, outTok int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":    id,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]any{
			{"type": "text", "text": text},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage": map[string]any{
			"input_tokens":  inTok,
			"output_tokens": outTok,
		},
	})
}

func respondErrorJSON(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": msg,
		},
	})
}

func TestBackendID(t *testing.T) {
	b := New("key")
	if b.ID() != "anthropic" {
		t.Fatalf("expected 'anthropic', got %q", b.ID())
	}
}

func TestExecuteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if !isMessagesPath(r.URL.Path) {
			t.Fatalf("expected path ending with /messages, got %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "mock-api-key" {
			t.Fatalf("missing or wrong x-api-key header: %q", got)
		}
		respondMessageJSON(w, "msg_123", "claude-3-5-sonnet", "Hello, world!", 10, 5)
	}))
	defer srv.Close()

	b := newTestBackend(srv)
	resp, err := b.Execute(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.ID != "msg_123" {
		t.Errorf("expected ID 'msg_123', got %q", resp.ID)
	}
	if resp.CompletionText != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", resp.CompletionText)
	}
	if resp.PromptTokens != 10 || resp.CompletionTokens != 5 {
		t.Errorf("expected usage 10/5, got %d/%d", resp.PromptTokens, resp.CompletionTokens)
	}
	if resp.FinishReason != backend.FinishStop {
		t.Errorf("expected finish reason stop, got %v", resp.FinishReason)
	}
}

func TestExecuteMovesSystemMessageOutOfMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if _, ok := body["system"]; !ok {
			t.Errorf("expected top-level system field in request body: %v", body)
		}
		msgs, _ := body["messages"].([]any)
		for _, m := range msgs {
			mm := m.(map[string]any)
			if mm["role"] == "system" {
				t.Errorf("system message leaked into messages array: %v", msgs)
			}
		}
		respondMessageJSON(w, "msg_1", "claude-3-5-sonnet", "ok", 1, 1)
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []backend.Message{
		{Role: backend.RoleSystem, Content: "Be terse."},
		{Role: backend.RoleUser, Content: "Hi"},
	}

	b := newTestBackend(srv)
	if _, err := b.Execute(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExecuteErrorMapsStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondErrorJSON(w, http.StatusTooManyRequests, "rate_limit_error", "Rate limit exceeded")
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
	if backendErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("expected HTTPStatus()=429, got %d", backendErr.HTTPStatus())
	}
	if !strings.Contains(strings.ToLower(backendErr.Message), "rate limit") {
		t.Errorf("expected message to contain rate limit text, got %q", backendErr.Message)
	}
}
