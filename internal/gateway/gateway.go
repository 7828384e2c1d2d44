// Package gateway wires the request-plane components — quota, fingerprint,
// cache, coalescers, batcher, and router — into the OpenAI-compatible HTTP
// surface: POST /v1/chat/completions, GET /metrics, GET /healthz.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	fasthttprouter "github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/flowforge/inference-gateway/internal/backend"
	"github.com/flowforge/inference-gateway/internal/batch"
	"github.com/flowforge/inference-gateway/internal/cache"
	"github.com/flowforge/inference-gateway/internal/coalesce"
	"github.com/flowforge/inference-gateway/internal/fingerprint"
	"github.com/flowforge/inference-gateway/internal/logger"
	"github.com/flowforge/inference-gateway/internal/metrics"
	"github.com/flowforge/inference-gateway/internal/quota"
	"github.com/flowforge/inference-gateway/internal/router"
	"github.com/flowforge/inference-gateway/internal/sse"
	"github.com/flowforge/inference-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "hit"
	xCacheMISS = "miss"

	// DefaultRequestTimeout bounds the whole pipeline for one request,
	// independent of any per-backend timeout the router applies.
	DefaultRequestTimeout = 60 * time.Second
)

// Options holds optional Gateway dependencies. Everything except Router is
// nil-safe: a nil ResponseCache disables caching, a nil Batcher sends every
// unary request straight to the router, a nil QuotaManager skips quota
// enforcement entirely.
type Options struct {
	Logger         *slog.Logger
	Metrics        *metrics.Registry
	ReqLogger      *logger.Logger
	ResponseCache  *cache.ResponseCache
	Quota          *quota.QuotaManager
	Keys           *KeySet
	Batcher        *batch.Scheduler
	RequestTimeout time.Duration
	CORSOrigins    []string
}

// Gateway orchestrates the pipeline: auth → normalize → quota → fingerprint
// → cache/coalesce/batch → router → SSE or JSON.
type Gateway struct {
	router  *router.Router
	unary   *coalesce.Unary
	streams *coalesce.Stream
	batcher *batch.Scheduler
	cache   *cache.ResponseCache
	quota   *quota.QuotaManager
	keys    *KeySet

	log            *slog.Logger
	metrics        *metrics.Registry
	reqLogger      *logger.Logger
	requestTimeout time.Duration
	corsOrigins    []string
}

// New builds a Gateway around r. Pass zero-value Options for a minimal
// gateway with no cache, no quota enforcement, and an empty KeySet (every
// x-api-key rejected as unauthorized until Keys is configured).
func New(r *router.Router, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	keys := opts.Keys
	if keys == nil {
		keys = NewKeySet(nil)
	}

	if opts.Batcher != nil && opts.Metrics != nil {
		m := opts.Metrics
		opts.Batcher.SetOnFlush(func(class string, size int) { m.ObserveBatchFlush(class, size) })
	}

	return &Gateway{
		router:         r,
		unary:          coalesce.NewUnary(),
		streams:        coalesce.NewStream(),
		batcher:        opts.Batcher,
		cache:          opts.ResponseCache,
		quota:          opts.Quota,
		keys:           keys,
		log:            log,
		metrics:        opts.Metrics,
		reqLogger:      opts.ReqLogger,
		requestTimeout: timeout,
		corsOrigins:    opts.CORSOrigins,
	}
}

// Handler builds the fasthttp request handler for the gateway's full route
// table, wrapped in the standard middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	rt := fasthttprouter.New()
	rt.POST("/v1/chat/completions", g.dispatchChat)
	rt.GET("/healthz", g.handleHealthz)
	rt.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		rt.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(rt.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) handleHealthz(ctx *fasthttp.RequestCtx) {
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"status":"ok"}`)
}

// handleReadiness reports whether the router has at least one backend whose
// circuit is not open — distinct from liveness, which only checks the
// process is running.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("application/json")
	if g.router.Ready() {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString(`{"status":"ok"}`)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	ctx.SetBodyString(`{"status":"unavailable"}`)
}

// inboundMessage/inboundRequest mirror the OpenAI chat completions body.
type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float32          `json:"temperature"`
		MaxTokens   uint32           `json:"max_tokens"`
		TopP        float32          `json:"top_p"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}
	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}
	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat handles POST /v1/chat/completions end-to-end: auth,
// normalization, quota charge, fingerprinting, cache/coalesce/batch
// dispatch through the router, and response rendering (JSON or SSE).
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	principal, ok := g.keys.Authenticate(ctx)
	if !ok {
		apierr.WriteUnauthorized(ctx)
		return
	}

	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	msgs := make([]backend.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = backend.Message{Role: backend.Role(m.Role), Content: m.Content}
	}
	gen := backend.NormalizeGeneration(backend.Generation{
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	})

	normReq := &backend.NormalizedRequest{
		RequestID: reqID,
		UserID:    principal,
		APIKeyID:  principal,
		Model:     req.Model,
		Messages:  msgs,
		Generation: gen,
		Stream:    req.Stream,
	}

	estTokens := quota.EstimateTokens(msgs, gen.MaxTokens)
	if g.quota != nil {
		headers, err := g.quota.Charge(ctx, principal, estTokens)
		if err != nil {
			var rl *quota.RateLimitedError
			if errors.As(err, &rl) {
				ctx.Response.Header.Set("Retry-After", fmt.Sprintf("%d", rl.RetryAfterSeconds))
				apierr.Write(ctx, fasthttp.StatusTooManyRequests, err.Error(),
					apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)
				if g.metrics != nil {
					g.metrics.RecordRateLimit("blocked")
					g.metrics.RecordQuotaRejection(principal)
				}
				return
			}
			apierr.Write(ctx, fasthttp.StatusInternalServerError, err.Error(),
				apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		headers.Set(func(k, v string) { ctx.Response.Header.Set(k, v) })
	}

	pipelineCtx, cancel := context.WithTimeout(ctx, g.requestTimeout)
	defer cancel()

	fp := fingerprint.OfRequest(normReq)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
		slog.String("fingerprint", fp.Hex()),
	)

	if req.Stream {
		g.dispatchStream(pipelineCtx, ctx, normReq, fp, start)
		return
	}
	g.dispatchUnary(pipelineCtx, ctx, normReq, fp, estTokens, principal, start)
}

// dispatchUnary serves a non-streaming request through cache, unary
// coalescing, and the (optional) batcher, in that order.
func (g *Gateway) dispatchUnary(pipelineCtx context.Context, ctx *fasthttp.RequestCtx, req *backend.NormalizedRequest, fp fingerprint.Fingerprint, estTokens int64, principal string, start time.Time) {
	reqID := req.RequestID
	cacheEligible := g.cache != nil && g.cache.Eligible(req.Model, false)

	if cacheEligible {
		if resp, hit := g.cache.Get(pipelineCtx, fp); hit {
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.writeJSONResponse(ctx, resp, xCacheHIT)
			g.logRequest(reqID, req.Model, resp.PromptTokens, resp.CompletionTokens, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	compute := func(computeCtx context.Context) (*backend.Response, error) {
		if g.batcher != nil {
			return g.batcher.Submit(computeCtx, req)
		}
		return g.router.Execute(computeCtx, req)
	}

	resp, shared, err := g.unary.Execute(pipelineCtx, fp.Hex(), compute)
	if err != nil {
		g.writeBackendError(ctx, err)
		g.logRequest(reqID, req.Model, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	if g.metrics != nil {
		g.metrics.RecordCoalesce("unary", !shared)
	}

	if g.quota != nil {
		g.quota.Reconcile(pipelineCtx, principal, estTokens, int64(resp.PromptTokens+resp.CompletionTokens))
	}

	if cacheEligible {
		if err := g.cache.Put(pipelineCtx, fp, resp); err != nil && g.metrics != nil {
			g.metrics.CacheSetError()
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.writeJSONResponse(ctx, resp, xCacheMISS)
	g.logRequest(reqID, req.Model, resp.PromptTokens, resp.CompletionTokens, time.Since(start), fasthttp.StatusOK, false)
}

// dispatchStream serves a streaming request through the stream coalescer
// and renders the result as Server-Sent Events.
func (g *Gateway) dispatchStream(pipelineCtx context.Context, ctx *fasthttp.RequestCtx, req *backend.NormalizedRequest, fp fingerprint.Fingerprint, start time.Time) {
	produce := func(produceCtx context.Context) (<-chan backend.Chunk, error) {
		return g.router.Stream(produceCtx, req)
	}

	chunks, errCh := g.streams.Join(pipelineCtx, fp.Hex(), produce)

	var streamErr error
	relayed := make(chan backend.Chunk, 16)
	go func() {
		defer close(relayed)
		for c := range chunks {
			relayed <- c
		}
		streamErr = <-errCh
	}()

	sse.Write(ctx, req.Model, relayed, func() error { return streamErr })

	g.logRequest(req.RequestID, req.Model, 0, 0, time.Since(start), fasthttp.StatusOK, false)
}

func (g *Gateway) writeJSONResponse(ctx *fasthttp.RequestCtx, resp *backend.Response, cacheLabel string) {
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{{
			Index:        0,
			Message:      outboundMessage{Role: "assistant", Content: resp.CompletionText},
			FinishReason: string(resp.FinishReason),
		}},
		Usage: outboundUsage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      resp.PromptTokens + resp.CompletionTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.Response.Header.Set("x-cache", cacheLabel)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeBackendError maps a router/backend error onto the OpenAI-compatible
// error taxonomy.
func (g *Gateway) writeBackendError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, router.ErrNoHealthyBackend) {
		apierr.WriteNoHealthyBackend(ctx)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	var sc backend.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway, err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
}

func (g *Gateway) logRequest(requestID, model string, inputTokens, outputTokens int, latency time.Duration, status int, cached bool) {
	if g.reqLogger == nil {
		return
	}
	reqUUID, _ := uuid.Parse(requestID)
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}
	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     model,
		Model:        model,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Cached:       cached,
		CreatedAt:    time.Now(),
	})
}
