package api

import (
	"encoding/json"
	"fmt"
)

// EventType names a normalized stream event.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// Delta is the payload of content_block_delta and message_delta events.
type Delta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// ErrorDetail is the payload of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// StreamEvent is the normalized internal event flowing through the pipeline.
type StreamEvent struct {
	Type         EventType
	Message      *MessagesResponse // message_start
	Index        int               // content_block_*
	ContentBlock *ContentBlock     // content_block_start
	Delta        *Delta            // content_block_delta, message_delta
	Usage        *Usage            // message_delta
	Err          *ErrorDetail      // error
}

// MarshalData renders the SSE data payload for the event, matching the
// messages API wire shapes.
func (e StreamEvent) MarshalData() ([]byte, error) {
	switch e.Type {
	case EventMessageStart:
		return json.Marshal(struct {
			Type    EventType         `json:"type"`
			Message *MessagesResponse `json:"message"`
		}{e.Type, e.Message})
	case EventContentBlockStart:
		return json.Marshal(struct {
			Type         EventType     `json:"type"`
			Index        int           `json:"index"`
			ContentBlock *ContentBlock `json:"content_block"`
		}{e.Type, e.Index, e.ContentBlock})
	case EventContentBlockDelta:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Index int       `json:"index"`
			Delta *Delta    `json:"delta"`
		}{e.Type, e.Index, e.Delta})
	case EventContentBlockStop:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Index int       `json:"index"`
		}{e.Type, e.Index})
	case EventMessageDelta:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Delta *Delta    `json:"delta"`
			Usage *Usage    `json:"usage,omitempty"`
		}{e.Type, e.Delta, e.Usage})
	case EventMessageStop, EventPing:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	case EventError:
		return json.Marshal(struct {
			Type  EventType    `json:"type"`
			Error *ErrorDetail `json:"error"`
		}{e.Type, e.Err})
	}
	return nil, fmt.Errorf("unknown event type %q", e.Type)
}

// TextDelta returns the text carried by a content_block_delta, if any.
func (e StreamEvent) TextDelta() string {
	if e.Type == EventContentBlockDelta && e.Delta != nil && e.Delta.Type == "text_delta" {
		return e.Delta.Text
	}
	return ""
}
