// Package openai adapts the official OpenAI Go SDK to the backend.Backend
// contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/flowforge/inference-gateway/internal/backend"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	backendID      = "openai"
)

// Backend implements backend.Backend for OpenAI.
type Backend struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

type Option func(*Backend)

func WithBaseURL(u string) Option {
	return func(b *Backend) { b.baseURL = u }
}

func New(apiKey string, opts ...Option) *Backend {
	b := &Backend{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(b)
	}

	httpClient := &http.Client{Timeout: backend.DefaultTimeout}
	if b.baseURL != "" && b.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, b.baseURL)
	}

	b.client = openaiSDK.NewClient(
		option.WithAPIKey(b.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return b
}

func (b *Backend) ID() string { return backendID }

func (b *Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toBackendError(err))
	}
	return nil
}

func (b *Backend) Execute(ctx context.Context, req *backend.NormalizedRequest) (*backend.Response, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	opts, err := b.requestOptions()
	if err != nil {
		return nil, err
	}

	resp, err := b.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toBackendError(err)
	}

	content := ""
	finish := backend.FinishStop
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = toFinishReason(resp.Choices[0].FinishReason)
	}

	return &backend.Response{
		ID:               resp.ID,
		Model:            resp.Model,
		CompletionText:   content,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		FinishReason:     finish,
	}, nil
}

func (b *Backend) Stream(ctx context.Context, req *backend.NormalizedRequest) (<-chan backend.Chunk, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}

	opts, err := b.requestOptions()
	if err != nil {
		return nil, err
	}

	ch := make(chan backend.Chunk, 64)
	stream := b.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.Delta.Content != "" {
				ch <- backend.Chunk{DeltaText: c.Delta.Content}
			}
			if c.FinishReason != "" {
				ch <- backend.Chunk{FinishReason: toFinishReason(c.FinishReason)}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- backend.Chunk{FinishReason: backend.FinishStop, Err: fmt.Errorf("openai: stream: %w", toBackendError(err))}
		}
	}()

	return ch, nil
}

func (b *Backend) buildParams(req *backend.NormalizedRequest) (openaiSDK.ChatCompletionNewParams, error) {
	gen := backend.NormalizeGeneration(req.Generation)

	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages:    msgs,
		Model:       req.Model,
		Temperature: openaiSDK.Float(float64(gen.Temperature)),
		TopP:        openaiSDK.Float(float64(gen.TopP)),
	}

	if gen.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(gen.MaxTokens))
	}

	return params, nil
}

func (b *Backend) requestOptions() ([]option.RequestOption, error) {
	if b.apiKey == "" {
		return nil, fmt.Errorf("openai: no API key configured")
	}
	return nil, nil
}

func toFinishReason(r string) backend.FinishReason {
	switch r {
	case "length":
		return backend.FinishLength
	case "content_filter":
		return backend.FinishContentFilter
	default:
		return backend.FinishStop
	}
}

// Error is a structured error returned by the OpenAI API.
type Error struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("openai: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Type)
}

// HTTPStatus implements backend.StatusCoder.
func (e *Error) HTTPStatus() int { return e.StatusCode }

func toBackendError(err error) error {
	var apiErr *openaiSDK.Error
	if errors.As(err, &apiErr) {
		return &Error{
			StatusCode: apiErr.StatusCode,
			Message:    apiErr.Error(),
			Type:       "openai_error",
		}
	}
	return err
}

type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}

func toSDKMessage(role backend.Role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch role {
	case backend.RoleSystem:
		return openaiSDK.SystemMessage(content)
	case backend.RoleAssistant:
		return openaiSDK.AssistantMessage(content)
	case backend.RoleUser:
		fallthrough
	default:
		return openaiSDK.UserMessage(content)
	}
}
