package provider

import (
	"context"
	"testing"

	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name      string
	content   Extraction[string]
	toolCalls Extraction[[]conversation.ToolCall]
	thinking  Extraction[string]
	metadata  Extraction[map[string]interface{}]
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Call(ctx context.Context, req Request) (interface{}, error) {
	return nil, nil
}

func (p *stubProvider) Stream(ctx context.Context, req Request) (*stream.Reader, error) {
	return nil, nil
}

func (p *stubProvider) Introspect() Capabilities { return Capabilities{} }

func (p *stubProvider) ExtractContent(raw interface{}) Extraction[string] { return p.content }

func (p *stubProvider) ExtractToolCalls(raw interface{}) Extraction[[]conversation.ToolCall] {
	return p.toolCalls
}

func (p *stubProvider) ExtractThinking(raw interface{}) Extraction[string] { return p.thinking }

func (p *stubProvider) ExtractMetadata(raw interface{}) Extraction[map[string]interface{}] {
	return p.metadata
}

func deferringStub(name string) *stubProvider {
	return &stubProvider{
		name:      name,
		content:   Defer[string](),
		toolCalls: Defer[[]conversation.ToolCall](),
		thinking:  Defer[string](),
		metadata:  Defer[map[string]interface{}](),
	}
}

func TestRegistryRegister(t *testing.T) {
	t.Run("registers and constructs", func(t *testing.T) {
		r := NewRegistry()
		err := r.Register("stub", func(opts Options) (Provider, error) {
			return deferringStub("stub"), nil
		})
		require.NoError(t, err)

		p, err := r.New("stub", Options{})
		require.NoError(t, err)
		assert.Equal(t, "stub", p.Name())
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		r := NewRegistry()
		factory := func(opts Options) (Provider, error) {
			return deferringStub("stub"), nil
		}
		require.NoError(t, r.Register("stub", factory))
		err := r.Register("stub", factory)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("rejects empty name and nil factory", func(t *testing.T) {
		r := NewRegistry()
		assert.Error(t, r.Register("", func(opts Options) (Provider, error) { return nil, nil }))
		assert.Error(t, r.Register("stub", nil))
	})

	t.Run("unknown provider", func(t *testing.T) {
		r := NewRegistry()
		_, err := r.New("nope", Options{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported provider")
	})
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	names := r.Names()
	assert.Contains(t, names, "anthropic")
	assert.Contains(t, names, "openai")
}

func TestGenericContent(t *testing.T) {
	t.Run("anthropic content blocks", func(t *testing.T) {
		doc := `{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}`
		assert.Equal(t, "hello world", GenericContent(doc))
	})

	t.Run("openai chat choice", func(t *testing.T) {
		doc := `{"choices":[{"message":{"content":"hi there"}}]}`
		assert.Equal(t, "hi there", GenericContent(doc))
	})

	t.Run("plain content string", func(t *testing.T) {
		doc := `{"content":"direct"}`
		assert.Equal(t, "direct", GenericContent(doc))
	})

	t.Run("nothing recognizable", func(t *testing.T) {
		assert.Equal(t, "", GenericContent(`{"foo":"bar"}`))
	})
}

func TestGenericToolCalls(t *testing.T) {
	t.Run("openai tool_calls with string arguments", func(t *testing.T) {
		doc := `{"choices":[{"message":{"tool_calls":[
			{"id":"call_1","function":{"name":"search","arguments":"{\"query\":\"go\"}"}}
		]}}]}`
		calls := GenericToolCalls(doc)
		require.Len(t, calls, 1)
		assert.Equal(t, "call_1", calls[0].ID)
		assert.Equal(t, "search", calls[0].Name)
		assert.Equal(t, "go", calls[0].Arguments["query"])
	})

	t.Run("anthropic tool_use blocks", func(t *testing.T) {
		doc := `{"content":[
			{"type":"text","text":"thinking about it"},
			{"type":"tool_use","id":"toolu_1","name":"lookup","input":{"key":"value"}}
		]}`
		calls := GenericToolCalls(doc)
		require.Len(t, calls, 1)
		assert.Equal(t, "toolu_1", calls[0].ID)
		assert.Equal(t, "lookup", calls[0].Name)
		assert.Equal(t, "value", calls[0].Arguments["key"])
	})

	t.Run("no tool calls", func(t *testing.T) {
		assert.Empty(t, GenericToolCalls(`{"content":"plain"}`))
	})
}

func TestGenericMetadata(t *testing.T) {
	doc := `{"model":"test-model","stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`
	meta := GenericMetadata(doc)
	assert.Equal(t, "test-model", meta["model"])
	assert.Equal(t, "end_turn", meta["finish_reason"])
	usage, ok := meta["usage"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 10, usage["input_tokens"])
	assert.Equal(t, 5, usage["output_tokens"])
}

func TestNormalize(t *testing.T) {
	t.Run("uses adapter extraction when not deferred", func(t *testing.T) {
		p := deferringStub("stub")
		p.content = Extracted("adapter says hi")
		p.toolCalls = Extracted([]conversation.ToolCall{{ID: "c1", Name: "adapter_tool"}})

		norm, err := Normalize(p, map[string]interface{}{"content": "generic would say this"})
		require.NoError(t, err)
		assert.Equal(t, "adapter says hi", norm.Content)
		require.Len(t, norm.ToolCalls, 1)
		assert.Equal(t, "adapter_tool", norm.ToolCalls[0].Name)
	})

	t.Run("falls back to generic extraction on defer", func(t *testing.T) {
		p := deferringStub("stub")
		raw := map[string]interface{}{
			"content":     "from generic",
			"model":       "m1",
			"stop_reason": "end_turn",
			"usage":       map[string]interface{}{"input_tokens": 3},
		}

		norm, err := Normalize(p, raw)
		require.NoError(t, err)
		assert.Equal(t, "from generic", norm.Content)
		assert.Equal(t, "m1", norm.Model)
		assert.Equal(t, "end_turn", norm.FinishReason)
		assert.Equal(t, 3, norm.Usage["input_tokens"])
	})

	t.Run("unparseable raw is a parse error", func(t *testing.T) {
		p := deferringStub("stub")
		_, err := Normalize(p, "this is not json")
		require.Error(t, err)
	})
}

func TestDelegate(t *testing.T) {
	t.Run("call runs the function and records timing", func(t *testing.T) {
		d, err := NewDelegate("local", func(ctx context.Context, req Request) (interface{}, error) {
			return map[string]interface{}{"content": "done"}, nil
		})
		require.NoError(t, err)

		raw, err := d.Call(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, map[string]interface{}{"content": "done"}, raw)

		snap := d.Collector().Snapshot()
		assert.Equal(t, 1, snap["calls"])
	})

	t.Run("requires name and function", func(t *testing.T) {
		_, err := NewDelegate("", func(ctx context.Context, req Request) (interface{}, error) { return nil, nil })
		assert.Error(t, err)
		_, err = NewDelegate("local", nil)
		assert.Error(t, err)
	})

	t.Run("recognizes its own tool invocation shape", func(t *testing.T) {
		d, err := NewDelegate("local", func(ctx context.Context, req Request) (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)

		raw := map[string]interface{}{
			"tool_invocations": []interface{}{
				map[string]interface{}{"tool": "search", "args": map[string]interface{}{"q": "cats"}},
			},
		}
		ext := d.ExtractToolCalls(raw)
		require.False(t, ext.Deferred)
		require.Len(t, ext.Value, 1)
		assert.Equal(t, "search", ext.Value[0].Name)
		assert.NotEmpty(t, ext.Value[0].ID)
		assert.Equal(t, "cats", ext.Value[0].Arguments["q"])
	})

	t.Run("defers unfamiliar shapes", func(t *testing.T) {
		d, err := NewDelegate("local", func(ctx context.Context, req Request) (interface{}, error) {
			return nil, nil
		})
		require.NoError(t, err)

		assert.True(t, d.ExtractToolCalls("a string").Deferred)
		assert.True(t, d.ExtractContent(map[string]interface{}{}).Deferred)
		assert.True(t, d.ExtractThinking(nil).Deferred)
	})

	t.Run("metadata merges envelope usage with collector timing", func(t *testing.T) {
		d, err := NewDelegate("local", func(ctx context.Context, req Request) (interface{}, error) {
			return map[string]interface{}{
				"usage": map[string]interface{}{"input_tokens": float64(7)},
				"model": "local-1",
			}, nil
		})
		require.NoError(t, err)

		raw, err := d.Call(context.Background(), Request{})
		require.NoError(t, err)

		ext := d.ExtractMetadata(raw)
		require.False(t, ext.Deferred)
		usage, ok := ext.Value["usage"].(map[string]int)
		require.True(t, ok)
		assert.Equal(t, 7, usage["input_tokens"])
		assert.Equal(t, "local-1", ext.Value["model"])
		assert.Equal(t, 1, ext.Value["calls"])
	})

	t.Run("stream emits content then done", func(t *testing.T) {
		d, err := NewDelegate("local", func(ctx context.Context, req Request) (interface{}, error) {
			return map[string]interface{}{"content": "streamed"}, nil
		})
		require.NoError(t, err)

		reader, err := d.Stream(context.Background(), Request{})
		require.NoError(t, err)
		defer reader.Close()

		ctx := context.Background()
		chunk, err := reader.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, stream.ChunkContent, chunk.Type)
		assert.Equal(t, "streamed", chunk.Content)

		chunk, err = reader.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, stream.ChunkDone, chunk.Type)
		assert.Equal(t, "streamed", chunk.Done.Output)
	})
}
