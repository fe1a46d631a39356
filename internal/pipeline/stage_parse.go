package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/claudegate/claudegate/internal/api"
)

// eventParsingStage normalizes the upstream wire format — the official API's
// typed SSE events or the web interface's completion chunks — into the
// internal event stream every later stage consumes. Wire-shape adjustments
// stay isolated here.
type eventParsingStage struct{}

func (eventParsingStage) Name() string { return "event-parsing" }
func (eventParsingStage) Kind() Kind   { return KindPost }

// Source builds the normalized EventSource over the dispatched stream.
func (eventParsingStage) Source(pc *Context) EventSource {
	return &parseSource{pc: pc}
}

type parseSource struct {
	pc    *Context
	queue []api.StreamEvent
	buf   string
	event string // pending SSE event name (API format)

	webStarted bool
	webDone    bool
	eof        bool
}

func (s *parseSource) Close() error {
	if s.pc.upstream != nil {
		return s.pc.upstream.Body.Close()
	}
	return nil
}

func (s *parseSource) Next(ctx context.Context) (api.StreamEvent, error) {
	for len(s.queue) == 0 {
		if s.eof {
			return api.StreamEvent{}, io.EOF
		}
		data, err := s.pc.upstream.Body.Next(ctx)
		if len(data) > 0 {
			s.consume(string(data))
		}
		if err == io.EOF {
			s.finishStream()
			s.eof = true
			continue
		}
		if err != nil {
			return api.StreamEvent{}, err
		}
	}
	evt := s.queue[0]
	s.queue = s.queue[1:]
	return evt, nil
}

func (s *parseSource) consume(data string) {
	s.buf += data
	for {
		i := strings.Index(s.buf, "\n")
		if i < 0 {
			return
		}
		line := strings.TrimSuffix(s.buf[:i], "\r")
		s.buf = s.buf[i+1:]
		s.handleLine(line)
	}
}

func (s *parseSource) finishStream() {
	if s.buf != "" {
		s.handleLine(strings.TrimSuffix(s.buf, "\r"))
		s.buf = ""
	}
	// The web stream sometimes ends without an explicit terminator; close
	// the synthetic message so the client contract holds.
	if s.pc.format == wireWeb && s.webStarted && !s.webDone {
		s.closeWebMessage("end_turn")
	}
}

func (s *parseSource) handleLine(line string) {
	switch {
	case line == "":
		return
	case strings.HasPrefix(line, "event:"):
		s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return
	case strings.HasPrefix(line, "data:"):
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			return
		}
		if s.pc.format == wireWeb {
			s.handleWebData(payload)
		} else {
			s.handleAPIData(payload)
		}
	}
}

// --- official API wire ---

type apiWireEvent struct {
	Type         string                `json:"type"`
	Message      *api.MessagesResponse `json:"message"`
	Index        int                   `json:"index"`
	ContentBlock *api.ContentBlock     `json:"content_block"`
	Delta        *api.Delta            `json:"delta"`
	Usage        *api.Usage            `json:"usage"`
	Error        *api.ErrorDetail      `json:"error"`
}

func (s *parseSource) handleAPIData(payload string) {
	var evt apiWireEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return // skip unparseable frames
	}
	name := evt.Type
	if name == "" {
		name = s.event
	}
	s.event = ""

	switch api.EventType(name) {
	case api.EventMessageStart:
		s.push(api.StreamEvent{Type: api.EventMessageStart, Message: evt.Message})
	case api.EventContentBlockStart:
		s.push(api.StreamEvent{Type: api.EventContentBlockStart, Index: evt.Index, ContentBlock: evt.ContentBlock})
	case api.EventContentBlockDelta:
		s.push(api.StreamEvent{Type: api.EventContentBlockDelta, Index: evt.Index, Delta: evt.Delta})
	case api.EventContentBlockStop:
		s.push(api.StreamEvent{Type: api.EventContentBlockStop, Index: evt.Index})
	case api.EventMessageDelta:
		s.push(api.StreamEvent{Type: api.EventMessageDelta, Delta: evt.Delta, Usage: evt.Usage})
	case api.EventMessageStop:
		s.push(api.StreamEvent{Type: api.EventMessageStop})
	case api.EventPing:
		s.push(api.StreamEvent{Type: api.EventPing})
	case api.EventError:
		s.push(api.StreamEvent{Type: api.EventError, Err: evt.Error})
	}
}

// --- web interface wire ---

type webWireEvent struct {
	Type       string `json:"type"`
	Completion string `json:"completion"`
	Error      *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *parseSource) handleWebData(payload string) {
	var evt webWireEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return
	}

	switch evt.Type {
	case "completion":
		if !s.webStarted {
			s.webStarted = true
			s.push(api.StreamEvent{
				Type: api.EventMessageStart,
				Message: &api.MessagesResponse{
					ID:      newMessageID(),
					Type:    "message",
					Role:    "assistant",
					Content: []api.ContentBlock{},
				},
			})
			s.push(api.StreamEvent{
				Type:         api.EventContentBlockStart,
				Index:        0,
				ContentBlock: &api.ContentBlock{Type: "text", Text: ""},
			})
		}
		if evt.Completion != "" {
			s.push(api.StreamEvent{
				Type:  api.EventContentBlockDelta,
				Index: 0,
				Delta: &api.Delta{Type: "text_delta", Text: evt.Completion},
			})
		}
	case "completion_end", "message_limit":
		if s.webStarted && !s.webDone {
			s.closeWebMessage("end_turn")
		}
	case "error":
		msg := "upstream error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.push(api.StreamEvent{Type: api.EventError, Err: &api.ErrorDetail{Type: "api_error", Message: msg}})
	}
}

func (s *parseSource) closeWebMessage(stopReason string) {
	s.webDone = true
	s.push(api.StreamEvent{Type: api.EventContentBlockStop, Index: 0})
	s.push(api.StreamEvent{Type: api.EventMessageDelta, Delta: &api.Delta{StopReason: stopReason}})
	s.push(api.StreamEvent{Type: api.EventMessageStop})
}

func (s *parseSource) push(evt api.StreamEvent) {
	s.queue = append(s.queue, evt)
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
