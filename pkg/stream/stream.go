// Package stream carries a provider response in flight as a lazy,
// single-pass sequence of tagged chunks. One background producer pushes
// into a bounded channel; the consumer pulls on demand, so no chunk is
// produced ahead of need.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/harun/agentloop/pkg/errs"
)

// Chunk types.
const (
	ChunkThinking = "thinking"
	ChunkContent  = "content"
	ChunkToolCall = "tool_call"
	ChunkDone     = "done"
)

// Done is the terminal aggregation of a streamed response.
type Done struct {
	Output       interface{}    `json:"output"`
	Thinking     string         `json:"thinking,omitempty"`
	Usage        map[string]int `json:"usage,omitempty"`
	Model        string         `json:"model,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
	Raw          interface{}    `json:"-"`
}

// Chunk is one tagged streaming unit.
type Chunk struct {
	Type string `json:"type"`

	// Thinking fragment, for ChunkThinking.
	Thinking string `json:"thinking,omitempty"`

	// Content delta, for ChunkContent. Parsed carries the
	// schema-validated value when validation succeeded; Content always
	// carries the raw text.
	Content string      `json:"content,omitempty"`
	Parsed  interface{} `json:"parsed,omitempty"`

	// Raw tool-call delta, for ChunkToolCall.
	ToolCallRaw string `json:"tool_call,omitempty"`

	// Terminal result, for ChunkDone. Exactly one per stream, last.
	Done *Done `json:"done,omitempty"`
}

// DefaultRecvTimeout bounds the wait for the next chunk.
const DefaultRecvTimeout = 30 * time.Second

const defaultBuffer = 16

// ErrClosed is returned to a producer writing after the consumer has
// walked away.
var ErrClosed = errors.New("stream: closed by consumer")

type shared struct {
	ch   chan Chunk
	stop chan struct{}

	mu       sync.Mutex
	err      error
	finished bool

	stopOnce sync.Once
	endOnce  sync.Once
}

// Reader is the consumer side of a stream.
type Reader struct {
	s       *shared
	timeout time.Duration
}

// Writer is the producer side of a stream.
type Writer struct {
	s *shared
}

// Option configures a stream pipe.
type Option func(*Reader)

// WithRecvTimeout overrides the consumer-side wait bound.
func WithRecvTimeout(d time.Duration) Option {
	return func(r *Reader) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// Pipe creates a connected Reader/Writer pair with a bounded buffer.
func Pipe(opts ...Option) (*Reader, *Writer) {
	s := &shared{
		ch:   make(chan Chunk, defaultBuffer),
		stop: make(chan struct{}),
	}
	r := &Reader{s: s, timeout: DefaultRecvTimeout}
	for _, opt := range opts {
		opt(r)
	}
	return r, &Writer{s: s}
}

// Send pushes a chunk, blocking while the buffer is full. It fails when
// the consumer closed the stream or ctx ends, so an abandoned producer
// never leaks.
func (w *Writer) Send(ctx context.Context, chunk Chunk) error {
	select {
	case <-w.s.stop:
		return ErrClosed
	default:
	}
	select {
	case w.s.ch <- chunk:
		return nil
	case <-w.s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream. A non-nil err is surfaced to the consumer
// after the buffered chunks are delivered.
func (w *Writer) Close(err error) {
	w.s.endOnce.Do(func() {
		w.s.mu.Lock()
		w.s.err = err
		w.s.finished = true
		w.s.mu.Unlock()
		close(w.s.ch)
	})
}

// Next returns the following chunk. It fails with a timeout llm_error
// when no chunk arrives within the receive window, and with io.EOF once
// the stream is exhausted.
func (r *Reader) Next(ctx context.Context) (Chunk, error) {
	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-r.s.ch:
		if !ok {
			r.s.mu.Lock()
			err := r.s.err
			r.s.mu.Unlock()
			if err != nil {
				return Chunk{}, err
			}
			return Chunk{}, io.EOF
		}
		return chunk, nil
	case <-timer.C:
		r.close()
		return Chunk{}, errs.Newf(errs.TypeLLM, "no stream chunk received within %s", r.timeout).
			WithDetail("timeout", r.timeout.String())
	case <-ctx.Done():
		r.close()
		return Chunk{}, ctx.Err()
	}
}

// Collect drains the remaining chunks into a slice, ending at the
// terminal chunk.
func (r *Reader) Collect(ctx context.Context) ([]Chunk, error) {
	var chunks []Chunk
	for {
		chunk, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
		if chunk.Type == ChunkDone {
			return chunks, nil
		}
	}
}

// Close abandons consumption: it signals the producer to stop and
// drains any chunks already in flight so the producer never blocks on a
// buffer nobody reads.
func (r *Reader) Close() {
	r.close()
	for {
		select {
		case _, ok := <-r.s.ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (r *Reader) close() {
	r.s.stopOnce.Do(func() {
		close(r.s.stop)
	})
}
