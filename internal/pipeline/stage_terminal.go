package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/claudegate/claudegate/internal/api"
)

const keepaliveInterval = 15 * time.Second

// --- stage 11: streaming-response ---

// streamingResponseStage emits the normalized event stream as SSE, flushing
// on event boundaries and sending a keepalive ping when no data flows.
type streamingResponseStage struct{}

func (streamingResponseStage) Name() string { return "streaming-response" }
func (streamingResponseStage) Kind() Kind   { return KindTerminal }

func (streamingResponseStage) Matches(pc *Context) bool { return pc.Req.Stream }

func (streamingResponseStage) Emit(ctx context.Context, pc *Context, src EventSource) error {
	w := pc.Writer
	flusher, _ := w.(http.Flusher)

	writeEvent := func(evt api.StreamEvent) error {
		if !pc.firstByteSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
		}
		data, err := evt.MarshalData()
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
			return err
		}
		pc.firstByteSent = true
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	type pulled struct {
		evt api.StreamEvent
		err error
	}
	events := make(chan pulled)
	go func() {
		for {
			evt, err := src.Next(ctx)
			select {
			case events <- pulled{evt, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Client went away; the upstream teardown happens in cleanup.
			return ctx.Err()
		case <-ticker.C:
			if pc.firstByteSent {
				if err := writeEvent(api.StreamEvent{Type: api.EventPing}); err != nil {
					return err
				}
			}
		case p := <-events:
			if p.err == io.EOF {
				return nil
			}
			if p.err != nil {
				if pc.firstByteSent {
					// The client already saw partial output; terminate
					// in-band and close.
					writeEvent(api.SSEError(toAPIError(p.err)))
					return nil
				}
				return p.err
			}
			if err := writeEvent(p.evt); err != nil {
				return err
			}
		}
	}
}

// --- stage 12: non-streaming-response ---

// nonStreamingResponseStage drains the stream and emits the assembled
// response as a single JSON body.
type nonStreamingResponseStage struct{}

func (nonStreamingResponseStage) Name() string { return "non-streaming-response" }
func (nonStreamingResponseStage) Kind() Kind   { return KindTerminal }

func (nonStreamingResponseStage) Matches(pc *Context) bool { return !pc.Req.Stream }

func (nonStreamingResponseStage) Emit(ctx context.Context, pc *Context, src EventSource) error {
	for {
		evt, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if evt.Type == api.EventError {
			msg := "upstream error"
			if evt.Err != nil {
				msg = evt.Err.Message
			}
			return api.NewError(api.CodeUpstreamFatal, "%s", msg)
		}
	}

	body, err := json.Marshal(pc.Collector.Response())
	if err != nil {
		return api.NewError(api.CodeInternal, "marshal response")
	}
	w := pc.Writer
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	pc.firstByteSent = true
	return nil
}
