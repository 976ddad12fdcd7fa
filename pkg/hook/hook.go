// Package hook implements the runtime's extension points. Five ordered
// callbacks fire around each loop iteration; user hook modules
// implement any subset, and a built-in default covers the rest.
package hook

import (
	"github.com/rs/zerolog"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/errs"
	"github.com/harun/agentloop/pkg/tool"
)

// Config is the read-only configuration view hooks receive.
type Config struct {
	ClientID         string
	MaxIterations    int
	TokenLimits      map[string]int
	WarningThreshold float64
}

// State is the mutable payload threaded through a hook chain. Hooks
// return a new State; the runtime adopts it on success.
type State struct {
	Ctx       conversation.Context
	Messages  []conversation.Message
	Results   []tool.Result
	Iteration int
	Config    Config
	Emitter   observability.Emitter
}

// Func is the shape every hook point shares.
type Func func(s State) (State, error)

// IterationStarter runs before each iteration. An error aborts the
// loop.
type IterationStarter interface {
	OnIterationStart(s State) (State, error)
}

// ContextPreparer may compact s.Ctx before message conversion.
type ContextPreparer interface {
	PrepareContext(s State) (State, error)
}

// MessagePreparer may adjust the rendered message sequence.
type MessagePreparer interface {
	PrepareMessages(s State) (State, error)
}

// ToolResultPreparer may reshape tool results before they are merged
// into the Context.
type ToolResultPreparer interface {
	PrepareToolResults(s State) (State, error)
}

// IterationCompleter runs after each iteration. An error aborts the
// loop.
type IterationCompleter interface {
	OnIterationComplete(s State) (State, error)
}

// Chain resolves each hook point against an ordered list of user hook
// modules, falling back to the built-in default when none implements
// the point. Prepare* failures are non-fatal: the original state is
// kept and the error logged. OnIteration* failures abort the loop.
type Chain struct {
	hooks  []interface{}
	logger zerolog.Logger
}

// NewChain builds a chain over the given hook modules, in order.
func NewChain(logger zerolog.Logger, hooks ...interface{}) *Chain {
	return &Chain{
		hooks:  hooks,
		logger: logger.With().Str("component", "hook").Logger(),
	}
}

// OnIterationStart runs the first configured IterationStarter, or the
// default iteration budget check.
func (c *Chain) OnIterationStart(s State) (State, error) {
	for _, h := range c.hooks {
		if impl, ok := h.(IterationStarter); ok {
			next, err := impl.OnIterationStart(s)
			if err != nil {
				return s, fatalHookError("on_iteration_start", err)
			}
			return next, nil
		}
	}
	return defaultIterationStart(s)
}

// PrepareContext runs the first configured ContextPreparer. Errors
// fall back to the unmodified state.
func (c *Chain) PrepareContext(s State) State {
	return c.prepare("prepare_context", s, func(h interface{}) (Func, bool) {
		impl, ok := h.(ContextPreparer)
		if !ok {
			return nil, false
		}
		return impl.PrepareContext, true
	})
}

// PrepareMessages runs the first configured MessagePreparer. Errors
// fall back to the unmodified state.
func (c *Chain) PrepareMessages(s State) State {
	return c.prepare("prepare_messages", s, func(h interface{}) (Func, bool) {
		impl, ok := h.(MessagePreparer)
		if !ok {
			return nil, false
		}
		return impl.PrepareMessages, true
	})
}

// PrepareToolResults runs the first configured ToolResultPreparer.
// Errors fall back to the unmodified state.
func (c *Chain) PrepareToolResults(s State) State {
	return c.prepare("prepare_tool_results", s, func(h interface{}) (Func, bool) {
		impl, ok := h.(ToolResultPreparer)
		if !ok {
			return nil, false
		}
		return impl.PrepareToolResults, true
	})
}

// OnIterationComplete runs the first configured IterationCompleter, or
// the default token limit check.
func (c *Chain) OnIterationComplete(s State) (State, error) {
	for _, h := range c.hooks {
		if impl, ok := h.(IterationCompleter); ok {
			next, err := impl.OnIterationComplete(s)
			if err != nil {
				return s, fatalHookError("on_iteration_complete", err)
			}
			return next, nil
		}
	}
	return defaultIterationComplete(s)
}

func (c *Chain) prepare(point string, s State, match func(interface{}) (Func, bool)) State {
	for _, h := range c.hooks {
		fn, ok := match(h)
		if !ok {
			continue
		}
		next, err := fn(s)
		if err != nil {
			c.logger.Warn().
				Err(err).
				Str("hook", point).
				Int("iteration", s.Iteration).
				Msg("hook failed, using original data")
			return s
		}
		return next
	}
	return s
}

// defaultIterationStart aborts once the iteration budget is spent.
func defaultIterationStart(s State) (State, error) {
	if s.Config.MaxIterations > 0 && s.Iteration >= s.Config.MaxIterations {
		return s, errs.Newf(errs.TypeBudget, "max iterations reached: %d", s.Config.MaxIterations).
			WithDetail("iteration", s.Iteration).
			WithDetail("max_iterations", s.Config.MaxIterations)
	}
	return s, nil
}

// defaultIterationComplete warns when cumulative token usage crosses
// the threshold of the client's limit. It never aborts.
func defaultIterationComplete(s State) (State, error) {
	limit, ok := s.Config.TokenLimits[s.Config.ClientID]
	if !ok || limit <= 0 {
		return s, nil
	}

	threshold := s.Config.WarningThreshold
	if threshold <= 0 {
		threshold = 0.8
	}

	cumulative := totalTokens(s.Ctx.TokenUsage())
	if float64(cumulative) < threshold*float64(limit) {
		return s, nil
	}

	if s.Emitter != nil {
		s.Emitter.TokenLimitWarning(observability.TokenWarning{
			Client:           s.Config.ClientID,
			CumulativeTokens: cumulative,
			Limit:            limit,
			ThresholdPercent: threshold * 100,
			UsagePercent:     float64(cumulative) / float64(limit) * 100,
		})
	}
	return s, nil
}

func totalTokens(usage map[string]int) int {
	if total, ok := usage["total_tokens"]; ok && total > 0 {
		return total
	}
	return usage["input_tokens"] + usage["output_tokens"]
}

func fatalHookError(point string, err error) error {
	if _, ok := errs.As(err); ok {
		return err
	}
	return errs.Wrap(errs.TypeHook, point+" hook failed", err)
}
