package pipeline

import (
	"context"

	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/scheduler"
)

// toolResultStage detects tool_result blocks in the final user turn, resolves
// their synthetic ids to the originating (account, conversation), and pins
// the pipeline to that account over the web transport so the upstream turn
// continues where the tool call was made.
type toolResultStage struct{}

func (toolResultStage) Name() string { return "tool-result" }
func (toolResultStage) Kind() Kind   { return KindPre }

func (toolResultStage) Prepare(ctx context.Context, pc *Context) error {
	if pc.canned != nil {
		return nil
	}

	last := pc.Req.Messages[len(pc.Req.Messages)-1]
	if last.Role != "user" {
		return nil
	}

	for _, block := range last.Content.Blocks {
		if block.Type != "tool_result" {
			continue
		}
		if block.ToolUseID == "" {
			return api.NewError(api.CodeRequestInvalid, "tool_result requires tool_use_id")
		}
		pending, err := pc.svc.Tracker.Resolve(block.ToolUseID)
		if err != nil {
			return err
		}
		// The first resolution pins the request; siblings in the same turn
		// belong to the same conversation and are consumed with it.
		if pc.pinAccountID == "" {
			pc.pinAccountID = pending.AccountID
			pc.pinConversationID = pending.ConversationID
			pc.Transport = scheduler.TransportWeb
		}
	}
	return nil
}
