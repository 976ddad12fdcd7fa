package disclosure

import (
	"strings"
	"testing"

	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/errs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureEmitter struct {
	observability.NopEmitter
	disclosures []observability.DisclosureEvent
}

func (c *captureEmitter) Disclosure(ev observability.DisclosureEvent) {
	c.disclosures = append(c.disclosures, ev)
}

// buildContext creates a Context with n iterations of two msgBytes-byte
// messages each.
func buildContext(n, msgBytes int) conversation.Context {
	ctx := conversation.New("hi")
	payload := strings.Repeat("a", msgBytes)
	for i := 0; i < n; i++ {
		ctx = ctx.AddAssistantMessage(payload, nil)
		ctx = ctx.AddToolResults([]conversation.ToolResultInput{{Name: "t", Output: payload}})
	}
	return ctx
}

func TestSlidingWindowKeepsLastIterations(t *testing.T) {
	emitter := &captureEmitter{}
	compactor := NewCompactor(zerolog.Nop(), emitter)

	ctx := buildContext(10, 10)
	out, err := compactor.SlidingWindow(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, 3, out.CountIterations())
	// The kept iterations are the most recent by number.
	last := out.Iterations[len(out.Iterations)-1].Number
	assert.Equal(t, ctx.Iterations[len(ctx.Iterations)-1].Number, last)

	require.Len(t, emitter.disclosures, 1)
	ev := emitter.disclosures[0]
	assert.Equal(t, "sliding_window", ev.Kind)
	assert.Equal(t, 3, ev.AfterCount)
	assert.Equal(t, ev.BeforeCount-ev.AfterCount, ev.Removed)
}

func TestSlidingWindowIsIdempotent(t *testing.T) {
	compactor := NewCompactor(zerolog.Nop(), nil)
	ctx := buildContext(10, 10)

	once, err := compactor.SlidingWindow(ctx, 4)
	require.NoError(t, err)
	twice, err := compactor.SlidingWindow(once, 4)
	require.NoError(t, err)

	assert.Equal(t, once.CountIterations(), twice.CountIterations())
	assert.Equal(t, once.Iterations[0].Number, twice.Iterations[0].Number)
}

func TestSlidingWindowRejectsNonPositiveWindow(t *testing.T) {
	compactor := NewCompactor(zerolog.Nop(), nil)

	_, err := compactor.SlidingWindow(conversation.New("hi"), 0)
	require.Error(t, err)
	assert.True(t, errs.IsType(err, errs.TypeValidation))
}

func TestTokenBasedCompactsUntilUnderBudget(t *testing.T) {
	emitter := &captureEmitter{}
	compactor := NewCompactor(zerolog.Nop(), emitter)

	// 10 iterations of two 1000-byte messages, ~500 tokens each.
	ctx := buildContext(10, 1000)
	require.Greater(t, ctx.EstimateTokenCount(), 600)

	out, err := compactor.TokenBased(ctx, 600, 1.0)
	require.NoError(t, err)

	assert.Less(t, out.CountIterations(), 10)
	assert.LessOrEqual(t, out.EstimateTokenCount(), 600)

	require.Len(t, emitter.disclosures, 1)
	ev := emitter.disclosures[0]
	assert.Equal(t, "token_based", ev.Kind)
	assert.Equal(t, out.EstimateTokenCount(), ev.FinalTokens)
}

func TestTokenBasedNeverReturnsZeroIterations(t *testing.T) {
	compactor := NewCompactor(zerolog.Nop(), nil)

	// A single enormous iteration that alone exceeds the budget.
	ctx := buildContext(3, 5000)
	out, err := compactor.TokenBased(ctx, 50, 1.0)
	require.NoError(t, err)

	assert.Equal(t, 1, out.CountIterations())
	assert.Greater(t, out.EstimateTokenCount(), 50)
}

func TestTokenBasedUnderThresholdIsNoop(t *testing.T) {
	emitter := &captureEmitter{}
	compactor := NewCompactor(zerolog.Nop(), emitter)

	ctx := buildContext(2, 10)
	out, err := compactor.TokenBased(ctx, 1_000_000, 1.0)
	require.NoError(t, err)

	assert.Equal(t, ctx.CountIterations(), out.CountIterations())
	assert.Empty(t, emitter.disclosures)
}

func TestTokenBasedThresholdTriggersBeforeBudget(t *testing.T) {
	emitter := &captureEmitter{}
	compactor := NewCompactor(zerolog.Nop(), emitter)

	ctx := buildContext(10, 1000)
	total := ctx.EstimateTokenCount()

	// Budget above the current estimate, threshold 0.5 puts the trigger
	// point below it: the pass runs but has nothing to drop yet.
	out, err := compactor.TokenBased(ctx, total+1000, 0.5)
	require.NoError(t, err)

	assert.Equal(t, ctx.CountIterations(), out.CountIterations())
	require.Len(t, emitter.disclosures, 1)
	assert.Equal(t, 0, emitter.disclosures[0].Removed)
}

func TestTokenBasedRejectsNonPositiveBudget(t *testing.T) {
	compactor := NewCompactor(zerolog.Nop(), nil)
	_, err := compactor.TokenBased(conversation.New("hi"), 0, 1.0)
	assert.True(t, errs.IsType(err, errs.TypeValidation))
}
