package pipeline

import (
	"context"
	"io"

	"github.com/claudegate/claudegate/internal/adapt"
	"github.com/claudegate/claudegate/internal/api"
	"github.com/claudegate/claudegate/internal/scheduler"
	"github.com/claudegate/claudegate/internal/tokenizer"
)

// --- stage 6: model-injector ---

// modelInjectorStage forces the response's model field to the model the
// client asked for; web mode reports a placeholder.
type modelInjectorStage struct{}

func (modelInjectorStage) Name() string { return "model-injector" }
func (modelInjectorStage) Kind() Kind   { return KindPost }

func (modelInjectorStage) Wrap(pc *Context, src EventSource) EventSource {
	return &modelInjectorSource{pc: pc, inner: src}
}

type modelInjectorSource struct {
	pc    *Context
	inner EventSource
}

func (s *modelInjectorSource) Close() error { return s.inner.Close() }

func (s *modelInjectorSource) Next(ctx context.Context) (api.StreamEvent, error) {
	evt, err := s.inner.Next(ctx)
	if err != nil {
		return evt, err
	}
	if evt.Type == api.EventMessageStart && evt.Message != nil {
		msg := *evt.Message
		msg.Model = s.pc.Req.Model
		evt.Message = &msg
	}
	return evt, nil
}

// --- stage 7: stop-sequences ---

// stopSequenceStage truncates the stream at the first configured stop
// sequence, evaluated as a byte stream across delta boundaries, then emits a
// synthetic terminator and cancels the upstream.
type stopSequenceStage struct{}

func (stopSequenceStage) Name() string { return "stop-sequences" }
func (stopSequenceStage) Kind() Kind   { return KindPost }

func (stopSequenceStage) Wrap(pc *Context, src EventSource) EventSource {
	matcher := tokenizer.NewStopMatcher(pc.Req.StopSequences)
	if !matcher.Active() {
		return src
	}
	return &stopSource{pc: pc, inner: src, matcher: matcher}
}

type stopSource struct {
	pc      *Context
	inner   EventSource
	matcher *tokenizer.StopMatcher
	queue   []api.StreamEvent
	done    bool
	index   int
}

func (s *stopSource) Close() error { return s.inner.Close() }

func (s *stopSource) Next(ctx context.Context) (api.StreamEvent, error) {
	for {
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue = s.queue[1:]
			return evt, nil
		}
		if s.done {
			return api.StreamEvent{}, io.EOF
		}

		evt, err := s.inner.Next(ctx)
		if err != nil {
			return evt, err
		}

		switch evt.Type {
		case api.EventContentBlockStart:
			s.index = evt.Index
			return evt, nil

		case api.EventContentBlockDelta:
			text := evt.TextDelta()
			if text == "" {
				return evt, nil
			}
			emit, stopped := s.matcher.Feed(text)
			if stopped {
				s.truncate(emit)
				continue
			}
			if emit == "" {
				continue // fully withheld, pull the next event
			}
			return textDelta(evt.Index, emit), nil

		case api.EventContentBlockStop:
			// Flush text still held back at the end of the block.
			if tail := s.matcher.Flush(); tail != "" {
				s.queue = append(s.queue, evt)
				return textDelta(evt.Index, tail), nil
			}
			return evt, nil

		default:
			return evt, nil
		}
	}
}

// truncate emits the shorter prefix and the synthetic message_stop tail, then
// cancels the upstream stream.
func (s *stopSource) truncate(emit string) {
	s.done = true
	s.inner.Close()

	matched := s.matcher.Matched()
	if emit != "" {
		s.queue = append(s.queue, textDelta(s.index, emit))
	}
	s.queue = append(s.queue,
		api.StreamEvent{Type: api.EventContentBlockStop, Index: s.index},
		api.StreamEvent{
			Type:  api.EventMessageDelta,
			Delta: &api.Delta{StopReason: "stop_sequence", StopSequence: &matched},
		},
		api.StreamEvent{Type: api.EventMessageStop},
	)
}

func textDelta(index int, text string) api.StreamEvent {
	return api.StreamEvent{
		Type:  api.EventContentBlockDelta,
		Index: index,
		Delta: &api.Delta{Type: "text_delta", Text: text},
	}
}

// --- stage 8: tool-call-event ---

// toolCallStage recognizes the fenced tool-call convention in web-mode text,
// synthesizes tool_use events under a tracked synthetic id, and ends the
// message with stop_reason tool_use. It runs after stop-sequence detection,
// so stops win for the same text.
type toolCallStage struct{}

func (toolCallStage) Name() string { return "tool-call-event" }
func (toolCallStage) Kind() Kind   { return KindPost }

func (toolCallStage) Wrap(pc *Context, src EventSource) EventSource {
	if pc.Transport != scheduler.TransportWeb || len(pc.Req.Tools) == 0 {
		return src
	}
	return &toolCallSource{pc: pc, inner: src, scanner: adapt.NewToolCallScanner()}
}

type toolCallSource struct {
	pc      *Context
	inner   EventSource
	scanner *adapt.ToolCallScanner
	queue   []api.StreamEvent
	done    bool
	index   int
}

func (s *toolCallSource) Close() error { return s.inner.Close() }

func (s *toolCallSource) Next(ctx context.Context) (api.StreamEvent, error) {
	for {
		if len(s.queue) > 0 {
			evt := s.queue[0]
			s.queue = s.queue[1:]
			return evt, nil
		}
		if s.done {
			return api.StreamEvent{}, io.EOF
		}

		evt, err := s.inner.Next(ctx)
		if err != nil {
			return evt, err
		}

		switch evt.Type {
		case api.EventContentBlockStart:
			s.index = evt.Index
			return evt, nil

		case api.EventContentBlockDelta:
			text := evt.TextDelta()
			if text == "" {
				return evt, nil
			}
			emit, call := s.scanner.Feed(text)
			if call != nil {
				s.synthesize(emit, call)
				continue
			}
			if emit == "" {
				continue
			}
			return textDelta(evt.Index, emit), nil

		case api.EventContentBlockStop:
			if tail := s.scanner.Flush(); tail != "" {
				s.queue = append(s.queue, evt)
				return textDelta(evt.Index, tail), nil
			}
			return evt, nil

		default:
			return evt, nil
		}
	}
}

// synthesize closes the text block, emits the tool_use block under a freshly
// registered synthetic id, and terminates the message. The id is registered
// with the tracker before any event carrying it can reach the client.
func (s *toolCallSource) synthesize(pending string, call *adapt.ToolCall) {
	s.done = true
	s.inner.Close()

	id := s.pc.svc.Tracker.Register(s.pc.Account.OrganizationUUID, s.pc.Conversation.UpstreamID)
	s.pc.toolUseEmitted = true

	if pending != "" {
		s.queue = append(s.queue, textDelta(s.index, pending))
	}
	toolIndex := s.index + 1
	s.queue = append(s.queue,
		api.StreamEvent{Type: api.EventContentBlockStop, Index: s.index},
		api.StreamEvent{
			Type:  api.EventContentBlockStart,
			Index: toolIndex,
			ContentBlock: &api.ContentBlock{
				Type: "tool_use",
				ID:   id,
				Name: call.Name,
			},
		},
		api.StreamEvent{
			Type:  api.EventContentBlockDelta,
			Index: toolIndex,
			Delta: &api.Delta{Type: "input_json_delta", PartialJSON: string(call.Input)},
		},
		api.StreamEvent{Type: api.EventContentBlockStop, Index: toolIndex},
		api.StreamEvent{
			Type:  api.EventMessageDelta,
			Delta: &api.Delta{StopReason: "tool_use"},
		},
		api.StreamEvent{Type: api.EventMessageStop},
	)
}

// --- stage 9: message-collector ---

type messageCollectorStage struct{}

func (messageCollectorStage) Name() string { return "message-collector" }
func (messageCollectorStage) Kind() Kind   { return KindPost }

func (messageCollectorStage) Wrap(pc *Context, src EventSource) EventSource {
	return &collectSource{pc: pc, inner: src}
}

type collectSource struct {
	pc    *Context
	inner EventSource
}

func (s *collectSource) Close() error { return s.inner.Close() }

func (s *collectSource) Next(ctx context.Context) (api.StreamEvent, error) {
	evt, err := s.inner.Next(ctx)
	if err != nil {
		return evt, err
	}
	s.pc.Collector.Observe(evt)
	return evt, nil
}

// --- stage 10: token-counter ---

// tokenCounterStage settles input tokens on message_start (preferring
// upstream-reported numbers) and attaches usage to the terminating
// message_delta, counting output incrementally when the upstream does not.
type tokenCounterStage struct{}

func (tokenCounterStage) Name() string { return "token-counter" }
func (tokenCounterStage) Kind() Kind   { return KindPost }

func (tokenCounterStage) Wrap(pc *Context, src EventSource) EventSource {
	sc, err := pc.svc.Counter.Stream(pc.Req.Model)
	if err != nil {
		sc = nil
	}
	return &usageSource{pc: pc, inner: src, counter: sc}
}

type usageSource struct {
	pc      *Context
	inner   EventSource
	counter *tokenizer.StreamCounter
}

func (s *usageSource) Close() error { return s.inner.Close() }

func (s *usageSource) Next(ctx context.Context) (api.StreamEvent, error) {
	evt, err := s.inner.Next(ctx)
	if err != nil {
		return evt, err
	}

	switch evt.Type {
	case api.EventMessageStart:
		if evt.Message != nil {
			msg := *evt.Message
			if msg.Usage.InputTokens > 0 {
				s.pc.InputTokens = msg.Usage.InputTokens
			} else {
				msg.Usage.InputTokens = s.pc.InputTokens
			}
			evt.Message = &msg
		}

	case api.EventContentBlockDelta:
		if s.counter != nil {
			s.counter.Feed(evt.TextDelta())
		}

	case api.EventMessageDelta:
		usage := api.Usage{InputTokens: s.pc.InputTokens}
		if evt.Usage != nil && evt.Usage.OutputTokens > 0 {
			usage.OutputTokens = evt.Usage.OutputTokens
		} else if s.counter != nil {
			usage.OutputTokens = s.counter.Total()
		}
		evt.Usage = &usage
		// The collector observed this event before usage was attached;
		// mirror the final numbers into it for the non-streaming path.
		s.pc.Collector.Usage = usage
	}
	return evt, nil
}
