package pipeline

import (
	"encoding/json"

	"github.com/claudegate/claudegate/internal/api"
)

// Collector accumulates the full response from the event stream for the
// non-streaming path, logging, and usage recording. Re-serializing a buffered
// event stream through a Collector yields the same bytes as the non-streaming
// terminal produces.
type Collector struct {
	MessageID    string
	Model        string
	StopReason   *string
	StopSequence *string
	Usage        api.Usage

	blocks  []api.ContentBlock
	partial map[int]*partialBlock
}

type partialBlock struct {
	block api.ContentBlock
	text  string
	json  string
}

// Observe folds one event into the collected state.
func (c *Collector) Observe(evt api.StreamEvent) {
	switch evt.Type {
	case api.EventMessageStart:
		if evt.Message != nil {
			c.MessageID = evt.Message.ID
			c.Model = evt.Message.Model
			c.Usage.InputTokens = evt.Message.Usage.InputTokens
		}
	case api.EventContentBlockStart:
		if c.partial == nil {
			c.partial = make(map[int]*partialBlock)
		}
		var b api.ContentBlock
		if evt.ContentBlock != nil {
			b = *evt.ContentBlock
		}
		c.partial[evt.Index] = &partialBlock{block: b}
	case api.EventContentBlockDelta:
		p, ok := c.partial[evt.Index]
		if !ok || evt.Delta == nil {
			return
		}
		switch evt.Delta.Type {
		case "text_delta":
			p.text += evt.Delta.Text
		case "input_json_delta":
			p.json += evt.Delta.PartialJSON
		}
	case api.EventContentBlockStop:
		p, ok := c.partial[evt.Index]
		if !ok {
			return
		}
		delete(c.partial, evt.Index)
		b := p.block
		switch b.Type {
		case "tool_use":
			if p.json != "" {
				b.Input = json.RawMessage(p.json)
			} else if len(b.Input) == 0 {
				b.Input = json.RawMessage("{}")
			}
		default:
			b.Text += p.text
		}
		c.blocks = append(c.blocks, b)
	case api.EventMessageDelta:
		if evt.Delta != nil && evt.Delta.StopReason != "" {
			reason := evt.Delta.StopReason
			c.StopReason = &reason
			c.StopSequence = evt.Delta.StopSequence
		}
		if evt.Usage != nil {
			if evt.Usage.InputTokens > 0 {
				c.Usage.InputTokens = evt.Usage.InputTokens
			}
			c.Usage.OutputTokens = evt.Usage.OutputTokens
		}
	}
}

// Text returns the concatenated text of all collected text blocks.
func (c *Collector) Text() string {
	var out string
	for _, b := range c.blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// Response assembles the final non-streaming response body.
func (c *Collector) Response() *api.MessagesResponse {
	content := c.blocks
	if content == nil {
		content = []api.ContentBlock{}
	}
	return &api.MessagesResponse{
		ID:           c.MessageID,
		Type:         "message",
		Role:         "assistant",
		Content:      content,
		Model:        c.Model,
		StopReason:   c.StopReason,
		StopSequence: c.StopSequence,
		Usage:        c.Usage,
	}
}
