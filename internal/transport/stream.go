package transport

import (
	"context"
	"io"
	"sync"
	"time"
)

type chunk struct {
	data []byte
	err  error
}

// StreamBody exposes a response body as a lazy sequence of byte chunks with a
// per-read deadline. A pump goroutine performs the blocking reads so that a
// stalled upstream can be abandoned without leaking the consumer.
type StreamBody struct {
	rc          io.ReadCloser
	readTimeout time.Duration
	ch          chan chunk
	done        chan struct{}
	closeOnce   sync.Once
	cancel      context.CancelFunc
}

func newStreamBody(rc io.ReadCloser, readTimeout time.Duration, cancel context.CancelFunc) *StreamBody {
	b := &StreamBody{
		rc:          rc,
		readTimeout: readTimeout,
		ch:          make(chan chunk),
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	go b.pump()
	return b
}

func (b *StreamBody) pump() {
	for {
		buf := make([]byte, 32*1024)
		n, err := b.rc.Read(buf)
		if n > 0 {
			select {
			case b.ch <- chunk{data: buf[:n]}:
			case <-b.done:
				return
			}
		}
		if err != nil {
			select {
			case b.ch <- chunk{err: err}:
				close(b.ch)
			case <-b.done:
			}
			return
		}
	}
}

// Next returns the next chunk, io.EOF at stream end, or a classified Error.
// Cancelling ctx or exceeding the per-read deadline tears the stream down.
func (b *StreamBody) Next(ctx context.Context) ([]byte, error) {
	var timeout <-chan time.Time
	if b.readTimeout > 0 {
		t := time.NewTimer(b.readTimeout)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case c, ok := <-b.ch:
		if !ok {
			return nil, io.EOF
		}
		if c.err != nil {
			if c.err == io.EOF {
				b.finish()
				return c.data, io.EOF
			}
			b.Close()
			return c.data, &Error{Kind: KindBody, Err: c.err}
		}
		return c.data, nil
	case <-timeout:
		b.Close()
		return nil, &Error{Kind: KindReadTimeout, Err: context.DeadlineExceeded}
	case <-ctx.Done():
		b.Close()
		return nil, ctx.Err()
	}
}

// ReadAll drains the stream into memory (non-streaming path).
func (b *StreamBody) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		data, err := b.Next(ctx)
		out = append(out, data...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// Close tears down the underlying stream. Safe to call more than once.
func (b *StreamBody) Close() error {
	b.finish()
	return nil
}

func (b *StreamBody) finish() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.rc.Close()
		if b.cancel != nil {
			b.cancel()
		}
	})
}
