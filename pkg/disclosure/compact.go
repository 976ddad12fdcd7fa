package disclosure

import (
	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/pkg/conversation"
	"github.com/harun/agentloop/pkg/errs"
	"github.com/rs/zerolog"
)

// Compactor shrinks a Context when the conversation outgrows its
// budget. Compaction is irreversible: dropped iterations are gone.
type Compactor struct {
	logger  zerolog.Logger
	emitter observability.Emitter
}

// NewCompactor creates a Compactor. A nil emitter disables events.
func NewCompactor(logger zerolog.Logger, emitter observability.Emitter) *Compactor {
	if emitter == nil {
		emitter = observability.NopEmitter{}
	}
	return &Compactor{
		logger:  logger.With().Str("component", "disclosure").Logger(),
		emitter: emitter,
	}
}

// SlidingWindow keeps only the last window iterations.
func (c *Compactor) SlidingWindow(ctx conversation.Context, window int) (conversation.Context, error) {
	if window <= 0 {
		return ctx, errs.Newf(errs.TypeValidation, "sliding window size must be positive, got %d", window)
	}

	before := ctx.CountIterations()
	if before <= window {
		return ctx, nil
	}

	out := ctx
	out.Iterations = append([]conversation.Iteration(nil), ctx.Iterations[before-window:]...)

	removed := before - window
	c.logger.Info().
		Int("before", before).
		Int("after", window).
		Int("removed", removed).
		Msg("Sliding window compaction")
	c.emitter.Disclosure(observability.DisclosureEvent{
		Kind:        "sliding_window",
		BeforeCount: before,
		AfterCount:  window,
		Removed:     removed,
	})
	return out, nil
}

// TokenBased drops the oldest iterations until the token estimate is
// under budget. The last iteration is never dropped, even when it alone
// exceeds the budget; that case is logged as a warning and the Context
// is returned as-is.
func (c *Compactor) TokenBased(ctx conversation.Context, budget int, threshold float64) (conversation.Context, error) {
	if budget <= 0 {
		return ctx, errs.Newf(errs.TypeValidation, "token budget must be positive, got %d", budget)
	}
	if threshold <= 0 {
		threshold = 1.0
	}

	if float64(ctx.EstimateTokenCount()) < float64(budget)*threshold {
		return ctx, nil
	}

	before := ctx.CountIterations()
	out := ctx
	for out.CountIterations() > 1 && out.EstimateTokenCount() >= budget {
		out.Iterations = append([]conversation.Iteration(nil), out.Iterations[1:]...)
	}

	finalTokens := out.EstimateTokenCount()
	if finalTokens >= budget {
		c.logger.Warn().
			Int("budget", budget).
			Int("final_tokens", finalTokens).
			Msg("Last iteration alone exceeds token budget; keeping it")
	}

	removed := before - out.CountIterations()
	c.logger.Info().
		Int("before", before).
		Int("after", out.CountIterations()).
		Int("removed", removed).
		Int("final_tokens", finalTokens).
		Msg("Token based compaction")
	c.emitter.Disclosure(observability.DisclosureEvent{
		Kind:        "token_based",
		BeforeCount: before,
		AfterCount:  out.CountIterations(),
		Removed:     removed,
		FinalTokens: finalTokens,
	})
	return out, nil
}
