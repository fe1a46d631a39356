package pipeline

import (
	"context"
	"io"

	"github.com/claudegate/claudegate/internal/api"
)

// EventSource is a lazy, cancellable sequence of normalized stream events.
// Next returns io.EOF at the end of the stream; Close tears down the
// underlying transport stream and is safe to call more than once.
type EventSource interface {
	Next(ctx context.Context) (api.StreamEvent, error)
	Close() error
}

// sliceSource replays a fixed event list (probes, canned responses).
type sliceSource struct {
	events []api.StreamEvent
	pos    int
}

func newSliceSource(events []api.StreamEvent) *sliceSource {
	return &sliceSource{events: events}
}

func (s *sliceSource) Next(ctx context.Context) (api.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return api.StreamEvent{}, err
	}
	if s.pos >= len(s.events) {
		return api.StreamEvent{}, io.EOF
	}
	evt := s.events[s.pos]
	s.pos++
	return evt, nil
}

func (s *sliceSource) Close() error {
	s.pos = len(s.events)
	return nil
}
