// Package retry wraps a single provider call with classified,
// exponentially backed-off retries.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/harun/agentloop/pkg/errs"
	"github.com/rs/zerolog"
)

// Policy configures retry behavior.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Jitter is the maximum random fraction added to each delay.
	Jitter float64
}

// DefaultPolicy returns the standard retry policy: 3 attempts, 100ms
// base delay, up to 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		Jitter:      0.1,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	return p
}

// Fn is the operation under retry.
type Fn func(ctx context.Context) (interface{}, error)

// Do runs fn until it succeeds, fails terminally, or exhausts the
// policy's attempts. Exhaustion yields an llm_error carrying the last
// cause and the attempt count.
func Do(ctx context.Context, policy Policy, logger zerolog.Logger, fn Fn) (interface{}, error) {
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after retryable error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, errs.Wrap(errs.TypeLLM, "max retries exceeded", lastErr).
		WithDetail("attempts", policy.MaxAttempts)
}

// backoffDelay computes base * 2^(attempt-1) plus up to Jitter random
// fraction.
func backoffDelay(policy Policy, attempt int) time.Duration {
	delay := policy.BaseDelay * time.Duration(1<<(attempt-1))
	if policy.Jitter > 0 {
		delay += time.Duration(rand.Float64() * policy.Jitter * float64(delay))
	}
	return delay
}

// IsRetryable classifies an error as transient (worth retrying) or
// terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"timeout",
		"timed out",
		"connection refused",
		"connection reset",
		"econnreset",
		"etimedout",
		"rate limit",
		"429",
		"500",
		"502",
		"503",
		"504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
