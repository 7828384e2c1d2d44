// Package sse maps backend chunks onto the OpenAI-compatible streaming
// chunk shape and writes them as Server-Sent Events.
package sse

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/flowforge/inference-gateway/internal/backend"
)

// ContentType is the Content-Type every streaming response is served with.
const ContentType = "text/event-stream; charset=utf-8"

type streamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
}

type choice struct {
	Index        int   `json:"index"`
	Delta        delta `json:"delta"`
	FinishReason any   `json:"finish_reason"`
}

type delta struct {
	Content string `json:"content,omitempty"`
}

// errorEvent is the SSE event emitted before [DONE] when a stream fails
// mid-flight, matching the OpenAI-compatible error envelope shape.
type errorEvent struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Write renders a channel of backend.Chunk onto ctx as Server-Sent Events.
// It sets the streaming content type and headers, then takes over the
// response body via SetBodyStreamWriter so output is unbuffered from the
// first byte. A terminal "data: [DONE]\n\n" event is always written last,
// preceded by an error event if streamErr is non-nil.
func Write(ctx *fasthttp.RequestCtx, model string, chunks <-chan backend.Chunk, streamErr func() error) {
	ctx.SetContentType(ContentType)
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := "chatcmpl-" + uuid.NewString()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck

		for chunk := range chunks {
			writeEvent(w, "", streamChunk{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []choice{{Delta: delta{Content: chunk.DeltaText}, FinishReason: finishReasonJSON(chunk.FinishReason)}},
			})
			w.Flush() //nolint:errcheck
		}

		if streamErr != nil {
			if err := streamErr(); err != nil {
				writeEvent(w, "error", errorEvent{Error: errorBody{Message: err.Error(), Type: "stream_error"}})
				w.Flush() //nolint:errcheck
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}

// writeEvent writes v as a JSON "data:" line, preceded by an "event:" line
// naming the SSE event type when name is non-empty. Normal chunk events omit
// the event line (the default "message" type); the error envelope sets
// name to "error" so an EventSource client can dispatch it distinctly from
// chunk data.
func writeEvent(w *bufio.Writer, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if name != "" {
		fmt.Fprintf(w, "event: %s\n", name)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func finishReasonJSON(fr backend.FinishReason) any {
	if fr == backend.FinishNone {
		return nil
	}
	return string(fr)
}
