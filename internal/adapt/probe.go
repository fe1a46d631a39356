package adapt

import (
	"strings"

	"github.com/google/uuid"

	"github.com/claudegate/claudegate/internal/api"
)

// IsProbe detects client connectivity probes: the CLI's warmup ping and its
// title/topic analysis side requests. These never reach an upstream.
func IsProbe(req *api.MessagesRequest) bool {
	if len(req.Messages) == 1 && req.Messages[0].Role == "user" {
		text := strings.TrimSpace(req.Messages[0].Content.Text())
		if text == "Warmup" || text == "ping" {
			return true
		}
	}

	sys := req.System.Text()
	if strings.Contains(sys, "Please write a 5-10 word title") {
		return true
	}
	if strings.Contains(sys, "nalyze if this message indicates a new conversation topic") {
		return true
	}
	return false
}

// ProbeEvents builds the canned event stream answering a probe.
func ProbeEvents(model string) []api.StreamEvent {
	id := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	endTurn := "end_turn"
	return []api.StreamEvent{
		{
			Type: api.EventMessageStart,
			Message: &api.MessagesResponse{
				ID:      id,
				Type:    "message",
				Role:    "assistant",
				Content: []api.ContentBlock{},
				Model:   model,
				Usage:   api.Usage{InputTokens: 5},
			},
		},
		{
			Type:         api.EventContentBlockStart,
			Index:        0,
			ContentBlock: &api.ContentBlock{Type: "text", Text: ""},
		},
		{
			Type:  api.EventContentBlockDelta,
			Index: 0,
			Delta: &api.Delta{Type: "text_delta", Text: "OK"},
		},
		{Type: api.EventContentBlockStop, Index: 0},
		{
			Type:  api.EventMessageDelta,
			Delta: &api.Delta{StopReason: endTurn},
			Usage: &api.Usage{InputTokens: 5, OutputTokens: 1},
		},
		{Type: api.EventMessageStop},
	}
}
