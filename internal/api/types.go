package api

import (
	"encoding/json"
	"fmt"
)

// MessagesRequest is the client-facing request body for POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent accepts either a bare string or a list of typed blocks.
type MessageContent struct {
	Blocks []ContentBlock
}

func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		mc.Blocks = []ContentBlock{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or a block list: %w", err)
	}
	mc.Blocks = blocks
	return nil
}

func (mc MessageContent) MarshalJSON() ([]byte, error) {
	return json.Marshal(mc.Blocks)
}

// Text concatenates the text of all text blocks.
func (mc MessageContent) Text() string {
	var out string
	for _, b := range mc.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// SystemPrompt accepts either a bare string or a list of text blocks.
type SystemPrompt struct {
	Blocks []ContentBlock
}

func (sp *SystemPrompt) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != "" {
			sp.Blocks = []ContentBlock{{Type: "text", Text: s}}
		}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("system must be a string or a block list: %w", err)
	}
	sp.Blocks = blocks
	return nil
}

func (sp SystemPrompt) MarshalJSON() ([]byte, error) {
	if len(sp.Blocks) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(sp.Blocks)
}

// Text concatenates all system text blocks.
func (sp SystemPrompt) Text() string {
	var out string
	for i, b := range sp.Blocks {
		if b.Type != "text" {
			continue
		}
		if i > 0 && out != "" {
			out += "\n\n"
		}
		out += b.Text
	}
	return out
}

// IsEmpty reports whether no system prompt was supplied.
func (sp SystemPrompt) IsEmpty() bool { return len(sp.Blocks) == 0 }

// ContentBlock is a typed content element (text, image, tool_use, tool_result).
// Unknown JSON fields are captured into Extra so they survive round-tripping
// through the pipeline.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Extra     map[string]json.RawMessage `json:"-"`
}

var knownBlockKeys = map[string]bool{
	"type": true, "text": true, "source": true, "id": true,
	"name": true, "input": true, "tool_use_id": true, "content": true,
}

func (cb *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*cb = ContentBlock(a)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if knownBlockKeys[k] {
			continue
		}
		if cb.Extra == nil {
			cb.Extra = make(map[string]json.RawMessage)
		}
		cb.Extra[k] = v
	}
	return nil
}

func (cb ContentBlock) MarshalJSON() ([]byte, error) {
	type alias ContentBlock
	data, err := json.Marshal(alias(cb))
	if err != nil {
		return nil, err
	}
	if len(cb.Extra) == 0 {
		return data, nil
	}
	var base map[string]json.RawMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}
	for k, v := range cb.Extra {
		base[k] = v
	}
	return json.Marshal(base)
}

// ToolResultText renders a tool_result block's content as plain text.
func (cb ContentBlock) ToolResultText() string {
	if len(cb.Content) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(cb.Content, &s) == nil {
		return s
	}
	var blocks []ContentBlock
	if json.Unmarshal(cb.Content, &blocks) == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(cb.Content)
}

// ImageSource is the source of an image block.
type ImageSource struct {
	Type      string `json:"type"` // base64, url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tool is a client-supplied tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Usage carries token accounting for a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the non-streaming response body, and the message
// payload of a message_start event.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}
