// Package runtime drives the tool-calling loop: hooks, provider
// invocation with retry, tool execution, result shaping, and context
// accumulation, until the model stops requesting tools or a budget is
// hit.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/errs"
	"github.com/harun/agentloop/pkg/hook"
	"github.com/harun/agentloop/pkg/provider"
	"github.com/harun/agentloop/pkg/retry"
	"github.com/harun/agentloop/pkg/stream"
	"github.com/harun/agentloop/pkg/tool"
)

// Result is the terminal value of a successful run.
type Result struct {
	Output       string                 `json:"output"`
	Thinking     string                 `json:"thinking,omitempty"`
	Usage        map[string]int         `json:"usage,omitempty"`
	Model        string                 `json:"model,omitempty"`
	FinishReason string                 `json:"finish_reason,omitempty"`
	Iterations   int                    `json:"iterations"`
	Raw          interface{}            `json:"-"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// RunRecord is the persisted transcript summary of a finished run.
type RunRecord struct {
	ID         string
	Client     string
	Provider   string
	Model      string
	Status     string
	Output     string
	Usage      map[string]int
	Iterations int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder persists finished runs. Implementations must tolerate
// concurrent calls.
type Recorder interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// Config holds everything one Runtime needs. Provider and a positive
// iteration budget are mandatory; the rest has defaults.
type Config struct {
	ClientID     string
	Provider     provider.Provider
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	OutputSchema map[string]interface{}

	MaxIterations int
	CallTimeout   time.Duration
	OnToolError   string
	Retry         retry.Policy

	Hooks            []interface{}
	Tools            *tool.Registry
	TokenLimits      map[string]int
	WarningThreshold float64

	Logger   zerolog.Logger
	Emitter  observability.Emitter
	Recorder Recorder
}

// Runtime executes agent runs against one provider configuration.
// Safe for concurrent use: per-run state lives in the Context value.
type Runtime struct {
	cfg      Config
	chain    *hook.Chain
	executor *tool.Executor
	emitter  observability.Emitter
	logger   zerolog.Logger

	limitsMu    sync.RWMutex
	tokenLimits map[string]int
}

// New validates cfg and builds a Runtime.
func New(cfg Config) (*Runtime, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, errs.New(errs.TypeConfig, "provider is required")
	}
	if cfg.MaxIterations < 0 {
		return nil, errs.New(errs.TypeConfig, "max iterations cannot be negative")
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 10
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	if cfg.WarningThreshold < 0 || cfg.WarningThreshold > 1 {
		return nil, errs.Newf(errs.TypeConfig, "warning threshold must be in (0,1], got %v", cfg.WarningThreshold)
	}
	if cfg.WarningThreshold == 0 {
		cfg.WarningThreshold = 0.8
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry()
	}
	if cfg.Emitter == nil {
		cfg.Emitter = observability.NopEmitter{}
	}

	logger := cfg.Logger.With().Str("component", "runtime").Logger()

	executor, err := tool.NewExecutor(cfg.Tools, cfg.OnToolError, cfg.Logger)
	if err != nil {
		return nil, errs.Wrap(errs.TypeConfig, "invalid tool executor configuration", err)
	}

	r := &Runtime{
		cfg:      cfg,
		chain:    hook.NewChain(cfg.Logger, cfg.Hooks...),
		executor: executor,
		emitter:  cfg.Emitter,
		logger:   logger,
	}
	r.SetTokenLimits(cfg.TokenLimits)
	return r, nil
}

// SetTokenLimits replaces the per-client token-limit table. Safe to
// call while runs are in flight; each run snapshots the table when it
// starts an iteration.
func (r *Runtime) SetTokenLimits(limits map[string]int) {
	copied := make(map[string]int, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	r.limitsMu.Lock()
	r.tokenLimits = copied
	r.limitsMu.Unlock()
}

func (r *Runtime) currentTokenLimits() map[string]int {
	r.limitsMu.RLock()
	defer r.limitsMu.RUnlock()
	return r.tokenLimits
}

// Run executes the loop to completion and returns the final Result.
// execCtx is opaque caller data handed to every tool unmodified.
func (r *Runtime) Run(ctx context.Context, input string, execCtx map[string]interface{}) (Result, error) {
	ctx = tracing.NewRunContext(ctx, r.cfg.ClientID)
	ctx, span := tracing.StartSpan(
		ctx,
		"agentloop.runtime",
		"runtime.run",
		attribute.String("provider", r.cfg.Provider.Name()),
		attribute.String("client_id", r.cfg.ClientID),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	started := time.Now()
	r.emitter.RunStarted(observability.RunEvent{
		Provider: r.cfg.Provider.Name(),
		Client:   r.cfg.ClientID,
		Model:    r.cfg.Model,
	})

	convo := conversation.New(input,
		conversation.WithSystemPrompt(r.cfg.SystemPrompt),
	)

	result, convo, err := r.loop(ctx, logger, convo, execCtx, nil)

	status := "completed"
	if err != nil {
		status = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	r.emitter.RunCompleted(observability.RunEvent{
		Provider: r.cfg.Provider.Name(),
		Client:   r.cfg.ClientID,
		Model:    r.cfg.Model,
		Status:   status,
		Usage:    convo.TokenUsage(),
		Duration: time.Since(started),
	})
	r.record(ctx, logger, convo, result, status, started)

	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// Stream executes the same loop but yields the final provider response
// as tagged chunks. Intermediate iterations run their tools silently;
// the stream ends with exactly one done chunk carrying the aggregated
// result.
func (r *Runtime) Stream(ctx context.Context, input string, execCtx map[string]interface{}) (*stream.Reader, error) {
	ctx = tracing.NewRunContext(ctx, r.cfg.ClientID)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	reader, writer := stream.Pipe()

	go func() {
		started := time.Now()
		r.emitter.RunStarted(observability.RunEvent{
			Provider: r.cfg.Provider.Name(),
			Client:   r.cfg.ClientID,
			Model:    r.cfg.Model,
		})

		convo := conversation.New(input,
			conversation.WithSystemPrompt(r.cfg.SystemPrompt),
		)

		result, convo, err := r.loop(ctx, logger, convo, execCtx, writer)

		status := "completed"
		if err != nil {
			status = "failed"
		}
		r.emitter.RunCompleted(observability.RunEvent{
			Provider: r.cfg.Provider.Name(),
			Client:   r.cfg.ClientID,
			Model:    r.cfg.Model,
			Status:   status,
			Usage:    convo.TokenUsage(),
			Duration: time.Since(started),
		})
		r.record(ctx, logger, convo, result, status, started)

		writer.Close(err)
	}()

	return reader, nil
}

// loop is the per-iteration state machine shared by Run and Stream.
// When writer is non-nil the final response's chunks are forwarded to
// it before the terminal done chunk.
func (r *Runtime) loop(
	ctx context.Context,
	logger zerolog.Logger,
	convo conversation.Context,
	execCtx map[string]interface{},
	writer *stream.Writer,
) (Result, conversation.Context, error) {
	hookCfg := hook.Config{
		ClientID:         r.cfg.ClientID,
		MaxIterations:    r.cfg.MaxIterations,
		WarningThreshold: r.cfg.WarningThreshold,
	}

	for iteration := 1; ; iteration++ {
		select {
		case <-ctx.Done():
			return Result{}, convo, ctx.Err()
		default:
		}

		// Re-read each iteration so live limit reloads reach long runs.
		hookCfg.TokenLimits = r.currentTokenLimits()

		state := hook.State{
			Ctx:       convo,
			Iteration: iteration,
			Config:    hookCfg,
			Emitter:   r.emitter,
		}

		state, err := r.chain.OnIterationStart(state)
		if err != nil {
			logger.Warn().Err(err).Int("iteration", iteration).Msg("Iteration start aborted run")
			return Result{}, convo, err
		}

		state = r.chain.PrepareContext(state)
		convo = state.Ctx

		state.Messages = convo.Messages()
		state = r.chain.PrepareMessages(state)

		req := provider.Request{
			Model:        r.cfg.Model,
			Messages:     state.Messages,
			Tools:        r.cfg.Tools.Definitions(),
			Temperature:  r.cfg.Temperature,
			MaxTokens:    r.cfg.MaxTokens,
			SystemPrompt: r.cfg.SystemPrompt,
			OutputSchema: r.cfg.OutputSchema,
		}

		var (
			raw    interface{}
			chunks []stream.Chunk
		)
		if writer != nil {
			raw, chunks, err = r.streamProvider(ctx, logger, req)
		} else {
			raw, err = r.callProvider(ctx, logger, req)
		}
		if err != nil {
			return Result{}, convo, err
		}

		norm, err := provider.Normalize(r.cfg.Provider, raw)
		if err != nil {
			return Result{}, convo, err
		}

		convo = convo.AddAssistantMessage(norm.Content, norm.ToolCalls)
		convo = convo.AddTokenUsage(norm.Usage)

		if len(norm.ToolCalls) == 0 {
			result := Result{
				Output:       norm.Content,
				Thinking:     norm.Thinking,
				Usage:        convo.TokenUsage(),
				Model:        norm.Model,
				FinishReason: norm.FinishReason,
				Iterations:   convo.CountIterations(),
				Raw:          raw,
			}
			if writer != nil {
				if err := r.forward(ctx, writer, chunks, result); err != nil {
					return Result{}, convo, err
				}
			}
			return result, convo, nil
		}

		logger.Debug().
			Int("iteration", iteration).
			Int("tool_calls", len(norm.ToolCalls)).
			Msg("Executing tool calls")

		results, err := r.executor.ExecuteAll(ctx, norm.ToolCalls, execCtx)
		if err != nil {
			return Result{}, convo, err
		}

		state.Ctx = convo
		state.Results = results
		state = r.chain.PrepareToolResults(state)
		convo = state.Ctx

		inputs := make([]conversation.ToolResultInput, len(state.Results))
		for i, res := range state.Results {
			in := conversation.ToolResultInput{
				Name:   res.ToolName,
				Output: res.Output,
				Err:    res.Err,
			}
			if i < len(norm.ToolCalls) {
				in.CallID = norm.ToolCalls[i].ID
			}
			inputs[i] = in
		}
		convo = convo.AddToolResults(inputs)

		state.Ctx = convo
		if _, err := r.chain.OnIterationComplete(state); err != nil {
			logger.Warn().Err(err).Int("iteration", iteration).Msg("Iteration complete aborted run")
			return Result{}, convo, err
		}
	}
}

// callProvider performs one provider exchange under the retry policy
// and per-call timeout. A panic at the provider boundary becomes an
// llm_error instead of unwinding the loop.
func (r *Runtime) callProvider(ctx context.Context, logger zerolog.Logger, req provider.Request) (interface{}, error) {
	attempt := 0
	return retry.Do(ctx, r.cfg.Retry, logger, func(ctx context.Context) (out interface{}, err error) {
		attempt++
		if attempt > 1 {
			observability.RecordRetry(r.cfg.Provider.Name())
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				err = errs.FromPanic(rec)
			}
		}()
		return r.cfg.Provider.Call(callCtx, req)
	})
}

// streamProvider performs one streaming exchange under the same retry
// policy and panic containment as callProvider, buffering chunks until
// the terminal chunk arrives so tool-calling iterations can be resolved
// before anything reaches the consumer.
func (r *Runtime) streamProvider(ctx context.Context, logger zerolog.Logger, req provider.Request) (interface{}, []stream.Chunk, error) {
	var chunks []stream.Chunk
	attempt := 0
	raw, err := retry.Do(ctx, r.cfg.Retry, logger, func(ctx context.Context) (out interface{}, err error) {
		attempt++
		if attempt > 1 {
			observability.RecordRetry(r.cfg.Provider.Name())
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				err = errs.FromPanic(rec)
			}
		}()

		reader, err := r.cfg.Provider.Stream(callCtx, req)
		if err != nil {
			return nil, err
		}
		defer reader.Close()

		collected, err := reader.Collect(callCtx)
		if err != nil {
			return nil, err
		}
		if len(collected) == 0 || collected[len(collected)-1].Type != stream.ChunkDone {
			return nil, errs.New(errs.TypeLLM, "stream ended without terminal chunk")
		}
		done := collected[len(collected)-1].Done
		if done == nil {
			return nil, errs.New(errs.TypeParse, "terminal chunk carries no result")
		}

		chunks = collected
		raw := done.Raw
		if raw == nil {
			raw = map[string]interface{}{"content": done.Output}
		}
		return raw, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return raw, chunks, nil
}

// forward replays the final response's chunks to the consumer, ending
// with one done chunk that carries the aggregated result.
func (r *Runtime) forward(ctx context.Context, writer *stream.Writer, chunks []stream.Chunk, result Result) error {
	for _, chunk := range chunks {
		if chunk.Type == stream.ChunkDone {
			continue
		}
		if err := writer.Send(ctx, chunk); err != nil {
			return err
		}
	}
	done := stream.Done{
		Output:       result.Output,
		Thinking:     result.Thinking,
		Usage:        result.Usage,
		Model:        result.Model,
		FinishReason: result.FinishReason,
		Raw:          result.Raw,
	}
	return writer.Send(ctx, stream.Chunk{Type: stream.ChunkDone, Done: &done})
}

func (r *Runtime) record(
	ctx context.Context,
	logger zerolog.Logger,
	convo conversation.Context,
	result Result,
	status string,
	started time.Time,
) {
	if r.cfg.Recorder == nil {
		return
	}

	rec := RunRecord{
		ID:         runID(ctx),
		Client:     r.cfg.ClientID,
		Provider:   r.cfg.Provider.Name(),
		Model:      r.cfg.Model,
		Status:     status,
		Output:     result.Output,
		Usage:      convo.TokenUsage(),
		Iterations: convo.CountIterations(),
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	if err := r.cfg.Recorder.RecordRun(ctx, rec); err != nil {
		logger.Warn().Err(err).Str("run_id", rec.ID).Msg("Failed to record run")
	}
}

func runID(ctx context.Context) string {
	if id := tracing.GetRunID(ctx); id != "" {
		return id
	}
	return uuid.New().String()
}

// String renders a compact one-line summary for logs.
func (res Result) String() string {
	return fmt.Sprintf("iterations=%d model=%s finish=%s output=%d bytes",
		res.Iterations, res.Model, res.FinishReason, len(res.Output))
}
