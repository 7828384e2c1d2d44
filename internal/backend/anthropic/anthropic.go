// Package anthropic adapts Anthropic's official Go SDK to the backend.Backend
// contract.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowforge/inference-gateway/internal/backend"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	backendID        = "anthropic"
	defaultMaxTokens = 4096
)

// Backend implements backend.Backend for Anthropic.
type Backend struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Backend.
type Option func(*Backend)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(b *Backend) { b.baseURL = url }
}

// New creates a new Anthropic Backend.
func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(b)
	}

	httpClient := &http.Client{Timeout: backend.DefaultTimeout}

	b.client = anthropic.NewClient(
		option.WithAPIKey(b.apiKey),
		option.WithBaseURL(b.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return b
}

func (b *Backend) ID() string { return backendID }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toBackendError(err))
	}
	return nil
}

func (b *Backend) Execute(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
	params := b.buildParams(req)

	opts, err := b.requestOptions()
	if err != nil {
		return nil, err
	}

	msg, err := b.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toBackendError(err)
	}

	var sb strings.Builder
	for _, blk := range msg.Content {
		switch v := blk.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &backend.Response{
		ID:               msg.ID,
		Model:            string(msg.Model),
		CompletionText:   sb.String(),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		FinishReason:     backend.FinishStop,
	}, nil
}

func (b *Backend) Stream(ctx context.Context, req *backend.NormalizedRequest) (<-chan backend.Chunk, error) {
	params := b.buildParams(req)

	opts, err := b.requestOptions()
	if err != nil {
		return nil, err
	}

	ch := make(chan backend.Chunk, 64)
	stream := b.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			if delta, ok := ev.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
				switch d := delta.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if d.Text != "" {
						ch <- backend.Chunk{DeltaText: d.Text}
					}
				case *anthropic.TextDelta:
					if d.Text != "" {
						ch <- backend.Chunk{DeltaText: d.Text}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- backend.Chunk{FinishReason: backend.FinishStop, Err: fmt.Errorf("anthropic: stream: %w", toBackendError(err))}
			return
		}
		ch <- backend.Chunk{FinishReason: backend.FinishStop}
	}()

	return ch, nil
}

func (b *Backend) buildParams(req *backend.NormalizedRequest) anthropic.MessageNewParams {
	gen := backend.NormalizeGeneration(req.Generation)

	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch m.Role {
		case backend.RoleSystem:
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := gen.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Temperature: anthropic.Float(float64(gen.Temperature)),
		TopP:        anthropic.Float(float64(gen.TopP)),
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	return params
}

func toSDKMessage(role backend.Role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if role == backend.RoleAssistant {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (b *Backend) requestOptions() ([]option.RequestOption, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("anthropic: no API key configured")
	}
	return nil, nil
}

// Error is a structured error returned by the Anthropic API.
type Error struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements backend.StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

func toBackendError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &Error{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Type:       "anthropic_error",
		}
	}
	return err
}
