package pipeline

import (
	"context"

	"github.com/claudegate/claudegate/internal/adapt"
	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/scheduler"
	"github.com/claudegate/claudegate/internal/tokenizer"
)

// testMessageStage validates the request shape, rejects unsupported content,
// answers connectivity probes with a canned stream, and settles the input
// token estimate and request fingerprint for the later stages.
type testMessageStage struct{}

func (testMessageStage) Name() string { return "test-message" }
func (testMessageStage) Kind() Kind   { return KindPre }

var supportedBlockTypes = map[string]bool{
	"text": true, "image": true, "tool_use": true, "tool_result": true,
}

func (testMessageStage) Prepare(ctx context.Context, pc *Context) error {
	req := pc.Req

	if req.Model == "" || !tokenizer.KnownModel(req.Model) {
		return api.NewError(api.CodeRequestInvalid, "unknown model %q", req.Model)
	}
	if len(req.Messages) == 0 {
		return api.NewError(api.CodeRequestInvalid, "messages must not be empty")
	}
	for i, msg := range req.Messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			return api.NewError(api.CodeRequestInvalid, "message %d: unsupported role %q", i, msg.Role)
		}
		for _, block := range msg.Content.Blocks {
			if !supportedBlockTypes[block.Type] {
				return api.NewError(api.CodeRequestInvalid, "message %d: unsupported content block %q", i, block.Type)
			}
			if block.Type == "image" && block.Source != nil && block.Source.Type == "url" {
				if !pc.svc.Settings.Get().AllowExternalImages {
					return api.NewError(api.CodeRequestInvalid, "external image URLs are not permitted")
				}
			}
		}
	}
	if req.MaxTokens != nil && *req.MaxTokens < 0 {
		return api.NewError(api.CodeRequestInvalid, "max_tokens must be >= 0")
	}

	pc.Fingerprint = scheduler.Fingerprint(req.System, req.Messages)

	if n, err := pc.svc.Counter.CountRequest(req); err == nil {
		pc.InputTokens = n
	}

	if req.MaxTokens != nil && *req.MaxTokens == 0 {
		pc.canned = emptyContentEvents(req.Model, "max_tokens", pc.InputTokens)
		return nil
	}

	if adapt.IsProbe(req) {
		pc.canned = adapt.ProbeEvents(req.Model)
		return nil
	}

	return nil
}

// emptyContentEvents is the canned stream for requests that cannot produce
// output (max_tokens = 0).
func emptyContentEvents(model, stopReason string, inputTokens int) []api.StreamEvent {
	return []api.StreamEvent{
		{
			Type: api.EventMessageStart,
			Message: &api.MessagesResponse{
				ID:      newMessageID(),
				Type:    "message",
				Role:    "assistant",
				Content: []api.ContentBlock{},
				Model:   model,
				Usage:   api.Usage{InputTokens: inputTokens},
			},
		},
		{
			Type:  api.EventMessageDelta,
			Delta: &api.Delta{StopReason: stopReason},
			Usage: &api.Usage{InputTokens: inputTokens, OutputTokens: 0},
		},
		{Type: api.EventMessageStop},
	}
}
