package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/stream"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// DelegateFunc is an externally compiled model function a Delegate
// executes instead of an HTTP backend.
type DelegateFunc func(ctx context.Context, req Request) (interface{}, error)

// Collector gathers timing metadata out of band; delegate backends
// expose it because their function has no response envelope for it.
type Collector struct {
	mu         sync.Mutex
	lastStart  time.Time
	lastFinish time.Time
	calls      int
}

func (c *Collector) begin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastStart = time.Now()
	c.calls++
}

func (c *Collector) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFinish = time.Now()
}

// Snapshot returns the collector's current timing view.
func (c *Collector) Snapshot() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := map[string]interface{}{
		"calls": c.calls,
	}
	if !c.lastStart.IsZero() && !c.lastFinish.IsZero() {
		snap["duration_ms"] = c.lastFinish.Sub(c.lastStart).Milliseconds()
	}
	return snap
}

// Delegate adapts a caller-compiled function to the provider contract.
// It recognizes its own tool-call tag shape and defers all other
// extraction to the runtime's generic parsing.
type Delegate struct {
	name      string
	fn        DelegateFunc
	collector *Collector
}

// NewDelegate creates a delegate provider around fn.
func NewDelegate(name string, fn DelegateFunc) (*Delegate, error) {
	if name == "" {
		return nil, fmt.Errorf("delegate name is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("delegate function is required")
	}
	return &Delegate{name: name, fn: fn, collector: &Collector{}}, nil
}

// Name implements Provider.
func (p *Delegate) Name() string {
	return p.name
}

// Collector exposes the out-of-band timing collector.
func (p *Delegate) Collector() *Collector {
	return p.collector
}

// Introspect implements Provider.
func (p *Delegate) Introspect() Capabilities {
	return Capabilities{
		Features: []string{"tools"},
		Constraints: map[string]interface{}{
			"local": true,
		},
	}
}

// Call implements Provider. The raw response is whatever the delegate
// function returns.
func (p *Delegate) Call(ctx context.Context, req Request) (interface{}, error) {
	p.collector.begin()
	defer p.collector.end()
	return p.fn(ctx, req)
}

// Stream implements Provider. The delegate function is synchronous, so
// its whole output is emitted as one content chunk before the terminal
// chunk.
func (p *Delegate) Stream(ctx context.Context, req Request) (*stream.Reader, error) {
	reader, writer := stream.Pipe()

	go func() {
		raw, err := p.Call(ctx, req)
		if err != nil {
			writer.Close(err)
			return
		}
		norm, err := Normalize(p, raw)
		if err != nil {
			writer.Close(err)
			return
		}
		if norm.Content != "" {
			if err := writer.Send(ctx, stream.Chunk{Type: stream.ChunkContent, Content: norm.Content}); err != nil {
				writer.Close(err)
				return
			}
		}
		done := stream.Done{
			Output:       norm.Content,
			Usage:        norm.Usage,
			Model:        norm.Model,
			FinishReason: norm.FinishReason,
			Raw:          raw,
		}
		if err := writer.Send(ctx, stream.Chunk{Type: stream.ChunkDone, Done: &done}); err != nil {
			writer.Close(err)
			return
		}
		writer.Close(nil)
	}()

	return reader, nil
}

// ExtractContent implements Provider.
func (p *Delegate) ExtractContent(raw interface{}) Extraction[string] {
	return Defer[string]()
}

// ExtractToolCalls implements Provider. Delegate functions tag tool
// requests as {"tool_invocations": [{"tool": ..., "args": {...}}]};
// call IDs are synthesized since the function has none.
func (p *Delegate) ExtractToolCalls(raw interface{}) Extraction[[]conversation.ToolCall] {
	envelope, ok := raw.(map[string]interface{})
	if !ok {
		return Defer[[]conversation.ToolCall]()
	}
	invocations, ok := envelope["tool_invocations"].([]interface{})
	if !ok {
		return Defer[[]conversation.ToolCall]()
	}

	var calls []conversation.ToolCall
	for _, inv := range invocations {
		entry, ok := inv.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["tool"].(string)
		if name == "" {
			continue
		}
		args, _ := entry["args"].(map[string]interface{})
		if args == nil {
			args = map[string]interface{}{}
		}
		calls = append(calls, conversation.ToolCall{
			ID:        "delegate_" + gonanoid.Must(12),
			Name:      name,
			Arguments: args,
		})
	}
	return Extracted(calls)
}

// ExtractThinking implements Provider.
func (p *Delegate) ExtractThinking(raw interface{}) Extraction[string] {
	return Defer[string]()
}

// ExtractMetadata implements Provider. Usage comes from the raw
// envelope when present; timing always comes from the collector.
func (p *Delegate) ExtractMetadata(raw interface{}) Extraction[map[string]interface{}] {
	meta := map[string]interface{}{}

	if envelope, ok := raw.(map[string]interface{}); ok {
		if usage, ok := envelope["usage"].(map[string]interface{}); ok {
			counters := map[string]int{}
			for key, value := range usage {
				switch n := value.(type) {
				case int:
					counters[key] = n
				case float64:
					counters[key] = int(n)
				}
			}
			meta["usage"] = counters
		}
		if model, ok := envelope["model"].(string); ok {
			meta["model"] = model
		}
	}

	for key, value := range p.collector.Snapshot() {
		meta[key] = value
	}
	return Extracted(meta)
}
