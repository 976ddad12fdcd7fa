package conversation

import (
	"fmt"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a provider request to invoke a named tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// Message is a single conversation turn. Messages are never mutated
// after creation.
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	Name       string                 `json:"name,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Iteration is one provider round-trip plus its tool activity.
type Iteration struct {
	Number      int                    `json:"number"`
	Messages    []Message              `json:"messages"`
	ToolCalls   []ToolCall             `json:"tool_calls,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ToolResultInput feeds AddToolResults. Err is empty for a successful
// outcome. CallID links the result back to the provider's tool call
// when the backend requires it.
type ToolResultInput struct {
	Name   string
	CallID string
	Output interface{}
	Err    string
}

// Context is the accumulated conversation state for one agent run.
// Iterations are ordered by ascending Number starting at 1 and
// CurrentIteration always equals the iteration count.
type Context struct {
	Iterations       []Iteration            `json:"iterations"`
	CurrentIteration int                    `json:"current_iteration"`
	Input            string                 `json:"input"`
	SystemPrompt     string                 `json:"system_prompt,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`

	// pendingNext marks the active iteration complete; the next
	// assistant message opens iteration Number+1.
	pendingNext bool
}

// Option configures a new Context.
type Option func(*Context)

// WithSystemPrompt sets the system prompt emitted first by Messages.
func WithSystemPrompt(prompt string) Option {
	return func(c *Context) { c.SystemPrompt = prompt }
}

// WithMetadata sets a context-level metadata entry.
func WithMetadata(key string, value interface{}) Option {
	return func(c *Context) {
		if c.Metadata == nil {
			c.Metadata = map[string]interface{}{}
		}
		c.Metadata[key] = value
	}
}

// New creates a Context for the given input and opens iteration 1.
func New(input string, opts ...Option) Context {
	ctx := Context{
		Iterations: []Iteration{
			{
				Number:    1,
				StartedAt: time.Now(),
				Metadata:  map[string]interface{}{},
			},
		},
		CurrentIteration: 1,
		Input:            input,
	}
	for _, opt := range opts {
		opt(&ctx)
	}
	return ctx
}

// AddAssistantMessage appends an assistant message to the active
// iteration and records its tool calls. If the prior iteration was
// closed by AddToolResults, the message opens the next iteration.
func (c Context) AddAssistantMessage(content string, calls []ToolCall) Context {
	out := c.clone()
	out.ensureActive()

	i := len(out.Iterations) - 1
	out.Iterations[i].Messages = append(out.Iterations[i].Messages, Message{
		Role:      RoleAssistant,
		Content:   content,
		ToolCalls: cloneToolCalls(calls),
	})
	out.Iterations[i].ToolCalls = append(out.Iterations[i].ToolCalls, cloneToolCalls(calls)...)
	return out
}

// AddToolResults appends one tool-role message per result, preserving
// input order, marks the active iteration complete, and opens the next
// iteration for the following assistant turn.
func (c Context) AddToolResults(results []ToolResultInput) Context {
	out := c.clone()
	out.ensureActive()

	i := len(out.Iterations) - 1
	for _, res := range results {
		content := res.Err
		if content == "" {
			content = stringify(res.Output)
		}
		out.Iterations[i].Messages = append(out.Iterations[i].Messages, Message{
			Role:       RoleTool,
			Content:    content,
			Name:       res.Name,
			ToolCallID: res.CallID,
		})
	}
	out.Iterations[i].CompletedAt = time.Now()
	out.pendingNext = true
	return out
}

// AddTokenUsage adds the supplied usage counters to the active
// iteration's cumulative totals. A nil usage map is a no-op.
func (c Context) AddTokenUsage(usage map[string]int) Context {
	if usage == nil {
		return c
	}
	out := c.clone()
	i := len(out.Iterations) - 1
	totals, _ := out.Iterations[i].Metadata["usage"].(map[string]int)
	merged := make(map[string]int, len(totals)+len(usage))
	for k, v := range totals {
		merged[k] = v
	}
	for k, v := range usage {
		merged[k] += v
	}
	if out.Iterations[i].Metadata == nil {
		out.Iterations[i].Metadata = map[string]interface{}{}
	}
	out.Iterations[i].Metadata["usage"] = merged
	return out
}

// NextIteration marks the active iteration complete. The next mutation
// opens the following iteration.
func (c Context) NextIteration() Context {
	out := c.clone()
	i := len(out.Iterations) - 1
	if out.Iterations[i].CompletedAt.IsZero() {
		out.Iterations[i].CompletedAt = time.Now()
	}
	out.pendingNext = true
	return out
}

// TokenUsage returns the run's cumulative usage counters, summed over
// every iteration.
func (c Context) TokenUsage() map[string]int {
	var totals map[string]int
	for _, it := range c.Iterations {
		usage, _ := it.Metadata["usage"].(map[string]int)
		for k, v := range usage {
			if totals == nil {
				totals = map[string]int{}
			}
			totals[k] += v
		}
	}
	return totals
}

// GetIteration returns iteration n (1-based).
func (c Context) GetIteration(n int) (Iteration, bool) {
	for _, it := range c.Iterations {
		if it.Number == n {
			return it, true
		}
	}
	return Iteration{}, false
}

// CountIterations returns the number of iterations.
func (c Context) CountIterations() int {
	return len(c.Iterations)
}

// ExceededMaxIterations reports whether the iteration budget is spent.
func (c Context) ExceededMaxIterations(max int) bool {
	return c.CurrentIteration >= max
}

// EstimateTokenCount is a cheap proportional heuristic over message
// content length (roughly 4 characters per token). Callers must only
// rely on ordering and threshold behavior, never on exact values.
func (c Context) EstimateTokenCount() int {
	chars := len(c.Input) + len(c.SystemPrompt)
	for _, it := range c.Iterations {
		for _, msg := range it.Messages {
			chars += len(msg.Content)
		}
	}
	return (chars + 3) / 4
}

// Messages flattens the Context into a provider-neutral sequence:
// optional system prompt, the original input as a user message, then
// every iteration's messages in order.
func (c Context) Messages() []Message {
	out := []Message{}
	if c.SystemPrompt != "" {
		out = append(out, Message{Role: RoleSystem, Content: c.SystemPrompt})
	}
	out = append(out, Message{Role: RoleUser, Content: c.Input})
	for _, it := range c.Iterations {
		out = append(out, it.Messages...)
	}
	return out
}

// ensureActive opens the next iteration when the prior one was closed.
func (c *Context) ensureActive() {
	if !c.pendingNext {
		return
	}
	last := c.Iterations[len(c.Iterations)-1]
	c.Iterations = append(c.Iterations, Iteration{
		Number:    last.Number + 1,
		StartedAt: time.Now(),
		Metadata:  map[string]interface{}{},
	})
	c.CurrentIteration = len(c.Iterations)
	c.pendingNext = false
}

// clone deep-copies the iteration list so mutators never alias the
// receiver's state.
func (c Context) clone() Context {
	out := c
	out.Iterations = make([]Iteration, len(c.Iterations))
	for i, it := range c.Iterations {
		cp := it
		cp.Messages = append([]Message(nil), it.Messages...)
		cp.ToolCalls = cloneToolCalls(it.ToolCalls)
		if it.Metadata != nil {
			cp.Metadata = make(map[string]interface{}, len(it.Metadata))
			for k, v := range it.Metadata {
				cp.Metadata[k] = v
			}
		}
		out.Iterations[i] = cp
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cloneToolCalls(calls []ToolCall) []ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]ToolCall, len(calls))
	for i, tc := range calls {
		cp := tc
		if tc.Arguments != nil {
			cp.Arguments = make(map[string]interface{}, len(tc.Arguments))
			for k, v := range tc.Arguments {
				cp.Arguments[k] = v
			}
		}
		out[i] = cp
	}
	return out
}

func stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
