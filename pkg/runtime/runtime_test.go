package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/errs"
	"github.com/harun/agentloop/pkg/hook"
	"github.com/harun/agentloop/pkg/provider"
	"github.com/harun/agentloop/pkg/retry"
	"github.com/harun/agentloop/pkg/stream"
	"github.com/harun/agentloop/pkg/tool"
)

// scripted returns its responses in order; the last one repeats.
type scripted struct {
	mu        sync.Mutex
	responses []interface{}
	errs      []error
	calls     int
}

func (p *scripted) Name() string { return "scripted" }

func (p *scripted) Call(ctx context.Context, req provider.Request) (interface{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scripted) Stream(ctx context.Context, req provider.Request) (*stream.Reader, error) {
	raw, err := p.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	reader, writer := stream.Pipe()
	go func() {
		norm, err := provider.Normalize(p, raw)
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
		done := stream.Done{Output: norm.Content, Usage: norm.Usage, Model: norm.Model, Raw: raw}
		if err := writer.Send(ctx, stream.Chunk{Type: stream.ChunkDone, Done: &done}); err != nil {
			writer.Close(err)
			return
		}
		writer.Close(nil)
	}()
	return reader, nil
}

func (p *scripted) Introspect() provider.Capabilities { return provider.Capabilities{} }

func (p *scripted) ExtractContent(raw interface{}) provider.Extraction[string] {
	return provider.Defer[string]()
}

func (p *scripted) ExtractToolCalls(raw interface{}) provider.Extraction[[]conversation.ToolCall] {
	return provider.Defer[[]conversation.ToolCall]()
}

func (p *scripted) ExtractThinking(raw interface{}) provider.Extraction[string] {
	return provider.Defer[string]()
}

func (p *scripted) ExtractMetadata(raw interface{}) provider.Extraction[map[string]interface{}] {
	return provider.Defer[map[string]interface{}]()
}

func toolCallResponse(id, name string, args map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"content": "",
		"tool_calls": []interface{}{
			map[string]interface{}{"id": id, "name": name, "arguments": args},
		},
		"usage": map[string]interface{}{"total_tokens": 10},
		"model": "stub-1",
	}
}

func finalResponse(content string) map[string]interface{} {
	return map[string]interface{}{
		"content":     content,
		"usage":       map[string]interface{}{"total_tokens": 5},
		"model":       "stub-1",
		"stop_reason": "end_turn",
	}
}

func echoRegistry(t *testing.T, seen *[]map[string]interface{}) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	err := reg.Register(tool.Definition{
		Name:        "lookup",
		Description: "Looks up a key",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"key": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"key"},
		},
		Handler: func(ctx context.Context, args, execCtx map[string]interface{}) (interface{}, error) {
			if seen != nil {
				*seen = append(*seen, execCtx)
			}
			return "value-for-" + args["key"].(string), nil
		},
	})
	require.NoError(t, err)
	return reg
}

func TestNewValidation(t *testing.T) {
	t.Run("provider required", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
		assert.True(t, errs.IsType(err, errs.TypeConfig))
	})

	t.Run("threshold out of range", func(t *testing.T) {
		_, err := New(Config{Provider: &scripted{}, WarningThreshold: 1.5})
		require.Error(t, err)
		assert.True(t, errs.IsType(err, errs.TypeConfig))
	})

	t.Run("unknown tool error policy", func(t *testing.T) {
		_, err := New(Config{Provider: &scripted{}, OnToolError: "explode"})
		require.Error(t, err)
		assert.True(t, errs.IsType(err, errs.TypeConfig))
	})

	t.Run("defaults applied", func(t *testing.T) {
		r, err := New(Config{Provider: &scripted{responses: []interface{}{finalResponse("ok")}}})
		require.NoError(t, err)
		assert.Equal(t, 10, r.cfg.MaxIterations)
		assert.Equal(t, 60*time.Second, r.cfg.CallTimeout)
		assert.InDelta(t, 0.8, r.cfg.WarningThreshold, 0.001)
	})
}

func TestRunWithoutToolCalls(t *testing.T) {
	p := &scripted{responses: []interface{}{finalResponse("the answer")}}
	r, err := New(Config{Provider: p, Model: "stub-1", Logger: zerolog.Nop()})
	require.NoError(t, err)

	result, err := r.Run(context.Background(), "question", nil)
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.Output)
	assert.Equal(t, "stub-1", result.Model)
	assert.Equal(t, "end_turn", result.FinishReason)
	assert.Equal(t, 1, result.Iterations)
	assert.Equal(t, 5, result.Usage["total_tokens"])
	assert.Equal(t, 1, p.calls)
}

func TestRunExecutesToolLoop(t *testing.T) {
	var seen []map[string]interface{}
	p := &scripted{responses: []interface{}{
		toolCallResponse("call_1", "lookup", map[string]interface{}{"key": "city"}),
		finalResponse("found it"),
	}}
	r, err := New(Config{
		Provider: p,
		Model:    "stub-1",
		Tools:    echoRegistry(t, &seen),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	execCtx := map[string]interface{}{"tenant": "acme"}
	result, err := r.Run(context.Background(), "where am I", execCtx)
	require.NoError(t, err)

	assert.Equal(t, "found it", result.Output)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 2, p.calls)
	assert.Equal(t, 15, result.Usage["total_tokens"])

	require.Len(t, seen, 1)
	assert.Equal(t, "acme", seen[0]["tenant"])
}

func TestRunAbortsAtMaxIterations(t *testing.T) {
	p := &scripted{responses: []interface{}{
		toolCallResponse("call_1", "lookup", map[string]interface{}{"key": "k"}),
	}}
	r, err := New(Config{
		Provider:      p,
		MaxIterations: 3,
		Tools:         echoRegistry(t, nil),
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "loop forever", nil)
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.TypeBudget))

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, 3, e.Details["iteration"])
	assert.Equal(t, 2, p.calls)
}

func TestRunHaltPolicyStopsOnToolError(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Definition{
		Name:        "broken",
		Description: "Always fails",
		Parameters:  map[string]interface{}{"type": "object"},
		Handler: func(ctx context.Context, args, execCtx map[string]interface{}) (interface{}, error) {
			return nil, errors.New("no such backend")
		},
	}))

	p := &scripted{responses: []interface{}{
		toolCallResponse("call_1", "broken", map[string]interface{}{}),
		finalResponse("unreachable"),
	}}
	r, err := New(Config{
		Provider:    p,
		Tools:       reg,
		OnToolError: tool.PolicyHalt,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "try it", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, 1, p.calls)
}

func TestRunContinuePolicyFoldsToolError(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Definition{
		Name:        "broken",
		Description: "Always fails",
		Parameters:  map[string]interface{}{"type": "object"},
		Handler: func(ctx context.Context, args, execCtx map[string]interface{}) (interface{}, error) {
			return nil, errors.New("no such backend")
		},
	}))

	p := &scripted{responses: []interface{}{
		toolCallResponse("call_1", "broken", map[string]interface{}{}),
		finalResponse("recovered"),
	}}
	r, err := New(Config{Provider: p, Tools: reg, Logger: zerolog.Nop()})
	require.NoError(t, err)

	result, err := r.Run(context.Background(), "try it", nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Output)
	assert.Equal(t, 2, p.calls)
}

func TestRunRetriesTransientProviderErrors(t *testing.T) {
	p := &scripted{
		responses: []interface{}{finalResponse("eventually")},
		errs:      []error{errors.New("connection refused"), nil},
	}
	r, err := New(Config{
		Provider: p,
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	result, err := r.Run(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, "eventually", result.Output)
	assert.Equal(t, 2, p.calls)
}

func TestRunTerminalProviderErrorIsNotRetried(t *testing.T) {
	p := &scripted{
		responses: []interface{}{finalResponse("never")},
		errs:      []error{errors.New("invalid api key"), nil},
	}
	r, err := New(Config{
		Provider: p,
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "denied", nil)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}

type panicProvider struct {
	scripted
}

func (p *panicProvider) Call(ctx context.Context, req provider.Request) (interface{}, error) {
	panic("adapter bug")
}

func TestRunRecoversProviderPanic(t *testing.T) {
	r, err := New(Config{Provider: &panicProvider{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.TypeLLM))

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "adapter bug", e.Details["panic"])
}

type trimHook struct{}

func (trimHook) PrepareContext(s hook.State) (hook.State, error) {
	s.Ctx = s.Ctx.NextIteration()
	return s, nil
}

func TestRunAppliesPrepareContextHook(t *testing.T) {
	p := &scripted{responses: []interface{}{finalResponse("done")}}
	r, err := New(Config{Provider: p, Hooks: []interface{}{trimHook{}}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "go", nil)
	require.NoError(t, err)
}

type recordingRecorder struct {
	mu      sync.Mutex
	records []RunRecord
}

func (r *recordingRecorder) RecordRun(ctx context.Context, rec RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func TestRunRecordsTranscript(t *testing.T) {
	rec := &recordingRecorder{}
	p := &scripted{responses: []interface{}{finalResponse("persisted")}}
	r, err := New(Config{
		Provider: p,
		ClientID: "acme",
		Model:    "stub-1",
		Recorder: rec,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "save me", nil)
	require.NoError(t, err)

	require.Len(t, rec.records, 1)
	record := rec.records[0]
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "acme", record.Client)
	assert.Equal(t, "scripted", record.Provider)
	assert.Equal(t, "completed", record.Status)
	assert.Equal(t, "persisted", record.Output)
	assert.Equal(t, 1, record.Iterations)
	assert.False(t, record.FinishedAt.Before(record.StartedAt))
}

func TestStreamYieldsSingleTerminalChunk(t *testing.T) {
	var seen []map[string]interface{}
	p := &scripted{responses: []interface{}{
		toolCallResponse("call_1", "lookup", map[string]interface{}{"key": "k"}),
		finalResponse("streamed answer"),
	}}
	r, err := New(Config{Provider: p, Tools: echoRegistry(t, &seen), Logger: zerolog.Nop()})
	require.NoError(t, err)

	reader, err := r.Stream(context.Background(), "stream it", nil)
	require.NoError(t, err)
	defer reader.Close()

	chunks, err := reader.Collect(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	require.Equal(t, stream.ChunkDone, last.Type)
	assert.Equal(t, "streamed answer", last.Done.Output)

	doneCount := 0
	for _, c := range chunks {
		if c.Type == stream.ChunkDone {
			doneCount++
		}
	}
	assert.Equal(t, 1, doneCount)

	// The tool iteration ran silently before the final stream.
	assert.Len(t, seen, 1)
}

func TestStreamRetriesTransientProviderErrors(t *testing.T) {
	p := &scripted{
		responses: []interface{}{finalResponse("after retry")},
		errs:      []error{errors.New("connection refused")},
	}
	r, err := New(Config{
		Provider: p,
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	reader, err := r.Stream(context.Background(), "flaky stream", nil)
	require.NoError(t, err)
	defer reader.Close()

	chunks, err := reader.Collect(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	last := chunks[len(chunks)-1]
	require.Equal(t, stream.ChunkDone, last.Type)
	assert.Equal(t, "after retry", last.Done.Output)
	assert.Equal(t, 2, p.calls)
}

func TestStreamTerminalProviderErrorIsNotRetried(t *testing.T) {
	p := &scripted{
		responses: []interface{}{finalResponse("unreachable")},
		errs:      []error{errors.New("invalid api key"), errors.New("invalid api key")},
	}
	r, err := New(Config{
		Provider: p,
		Retry:    retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond},
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	reader, err := r.Stream(context.Background(), "doomed stream", nil)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Collect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, 1, p.calls)
}

type panicStreamProvider struct {
	scripted
}

func (p *panicStreamProvider) Stream(ctx context.Context, req provider.Request) (*stream.Reader, error) {
	panic("stream adapter bug")
}

func TestStreamRecoversProviderPanic(t *testing.T) {
	r, err := New(Config{Provider: &panicStreamProvider{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	reader, err := r.Stream(context.Background(), "boom", nil)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Collect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.TypeLLM))

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, "stream adapter bug", e.Details["panic"])
}

type nilDoneProvider struct {
	scripted
}

func (p *nilDoneProvider) Stream(ctx context.Context, req provider.Request) (*stream.Reader, error) {
	reader, writer := stream.Pipe()
	go func() {
		_ = writer.Send(ctx, stream.Chunk{Type: stream.ChunkDone})
		writer.Close(nil)
	}()
	return reader, nil
}

type warningEmitter struct {
	observability.NopEmitter
	mu       sync.Mutex
	warnings []observability.TokenWarning
}

func (e *warningEmitter) TokenLimitWarning(w observability.TokenWarning) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings = append(e.warnings, w)
}

func TestSetTokenLimitsReachesRunningHooks(t *testing.T) {
	emitter := &warningEmitter{}
	p := &scripted{responses: []interface{}{
		toolCallResponse("call_1", "lookup", map[string]interface{}{"key": "k"}),
		finalResponse("done"),
	}}
	r, err := New(Config{
		Provider: p,
		ClientID: "acme",
		Tools:    echoRegistry(t, nil),
		Emitter:  emitter,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)

	// No limit configured: the run stays silent.
	_, err = r.Run(context.Background(), "first", nil)
	require.NoError(t, err)
	assert.Empty(t, emitter.warnings)

	// A reloaded table applies to subsequent iterations without
	// rebuilding the runtime.
	r.SetTokenLimits(map[string]int{"acme": 10})

	_, err = r.Run(context.Background(), "second", nil)
	require.NoError(t, err)
	require.NotEmpty(t, emitter.warnings)
	assert.Equal(t, "acme", emitter.warnings[0].Client)
	assert.Equal(t, 10, emitter.warnings[0].Limit)
}

func TestStreamRejectsEmptyTerminalChunk(t *testing.T) {
	r, err := New(Config{Provider: &nilDoneProvider{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	reader, err := r.Stream(context.Background(), "bad terminal", nil)
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Collect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.TypeParse))
}
