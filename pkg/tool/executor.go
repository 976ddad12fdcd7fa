package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/rs/zerolog"
)

// Error policies for tool failures inside an iteration.
const (
	PolicyContinue = "continue"
	PolicyHalt     = "halt"
)

// Executor runs the tool calls of one iteration sequentially in call
// order against a shared read-only registry.
type Executor struct {
	registry *Registry
	policy   string
	logger   zerolog.Logger
}

// NewExecutor creates an executor. policy must be PolicyContinue or
// PolicyHalt.
func NewExecutor(registry *Registry, policy string, logger zerolog.Logger) (*Executor, error) {
	if registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	switch policy {
	case PolicyContinue, PolicyHalt:
	case "":
		policy = PolicyContinue
	default:
		return nil, fmt.Errorf("unknown on-tool-error policy: %q", policy)
	}
	return &Executor{
		registry: registry,
		policy:   policy,
		logger:   logger.With().Str("component", "toolexec").Logger(),
	}, nil
}

// ExecuteAll runs every call in order and collects results. Under the
// halt policy the first failure stops execution and is returned; under
// the continue policy failures are folded into the result list as
// error outcomes.
func (e *Executor) ExecuteAll(ctx context.Context, calls []conversation.ToolCall, execCtx map[string]interface{}) ([]Result, error) {
	results := make([]Result, 0, len(calls))

	for _, call := range calls {
		started := time.Now()
		output, err := e.registry.Execute(ctx, call.Name, call.Arguments, execCtx)
		observability.RecordToolExecution(call.Name, err == nil, time.Since(started))
		if err != nil {
			e.logger.Warn().
				Str("tool", call.Name).
				Str("call_id", call.ID).
				Err(err).
				Msg("Tool execution failed")
			if e.policy == PolicyHalt {
				return nil, fmt.Errorf("tool %q failed: %w", call.Name, err)
			}
			results = append(results, Result{ToolName: call.Name, Err: err.Error()})
			continue
		}
		results = append(results, Result{ToolName: call.Name, Output: output})
	}

	return results, nil
}
