// Package observability emits the runtime's telemetry events and keeps
// the process-wide prometheus metrics for agent runs, tool execution,
// and context compaction.
package observability

import (
	"time"

	"github.com/rs/zerolog"
)

// RunEvent describes an agent run starting or finishing.
type RunEvent struct {
	Agent    string
	Provider string
	Client   string
	Model    string
	Status   string
	Usage    map[string]int
	Duration time.Duration
}

// TokenWarning describes cumulative token usage crossing the warning
// threshold of a per-client limit.
type TokenWarning struct {
	Client           string
	CumulativeTokens int
	Limit            int
	ThresholdPercent float64
	UsagePercent     float64
}

// DisclosureEvent describes one compaction pass over a Context.
type DisclosureEvent struct {
	Kind        string // "sliding_window" or "token_based"
	BeforeCount int
	AfterCount  int
	Removed     int
	FinalTokens int
}

// Emitter receives runtime telemetry. Implementations must be safe for
// concurrent use.
type Emitter interface {
	RunStarted(ev RunEvent)
	RunCompleted(ev RunEvent)
	TokenLimitWarning(w TokenWarning)
	Disclosure(ev DisclosureEvent)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) RunStarted(RunEvent)            {}
func (NopEmitter) RunCompleted(RunEvent)          {}
func (NopEmitter) TokenLimitWarning(TokenWarning) {}
func (NopEmitter) Disclosure(DisclosureEvent)     {}

// LogEmitter writes events to a zerolog logger and updates the
// prometheus metrics.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates an emitter backed by the given logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	EnsureRegistered()
	return &LogEmitter{
		logger: logger.With().Str("component", "observability").Logger(),
	}
}

// RunStarted records a run start.
func (e *LogEmitter) RunStarted(ev RunEvent) {
	e.logger.Info().
		Str("agent", ev.Agent).
		Str("provider", ev.Provider).
		Str("client", ev.Client).
		Str("model", ev.Model).
		Msg("Agent run started")
}

// RunCompleted records a run finishing with its status.
func (e *LogEmitter) RunCompleted(ev RunEvent) {
	getMetrics().runTotal.WithLabelValues(ev.Provider, ev.Status).Inc()
	getMetrics().runDuration.WithLabelValues(ev.Provider).Observe(ev.Duration.Seconds())

	event := e.logger.Info().
		Str("agent", ev.Agent).
		Str("provider", ev.Provider).
		Str("client", ev.Client).
		Str("status", ev.Status).
		Dur("duration", ev.Duration)
	if ev.Usage != nil {
		event = event.Interface("usage", ev.Usage)
	}
	event.Msg("Agent run completed")
}

// TokenLimitWarning records cumulative usage crossing the threshold.
func (e *LogEmitter) TokenLimitWarning(w TokenWarning) {
	getMetrics().tokenWarnings.WithLabelValues(w.Client).Inc()

	e.logger.Warn().
		Str("client", w.Client).
		Int("cumulative_tokens", w.CumulativeTokens).
		Int("limit", w.Limit).
		Float64("threshold_percent", w.ThresholdPercent).
		Float64("usage_percent", w.UsagePercent).
		Msg("token_limit_warning")
}

// Disclosure records a compaction pass.
func (e *LogEmitter) Disclosure(ev DisclosureEvent) {
	getMetrics().compactions.WithLabelValues(ev.Kind).Inc()

	event := e.logger.Info().
		Str("kind", ev.Kind).
		Int("before_count", ev.BeforeCount).
		Int("after_count", ev.AfterCount).
		Int("removed", ev.Removed)
	if ev.FinalTokens > 0 {
		event = event.Int("final_tokens", ev.FinalTokens)
	}
	event.Msg("progressive_disclosure." + ev.Kind)
}

// RecordToolExecution updates the tool execution metrics.
func RecordToolExecution(tool string, success bool, duration time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	getMetrics().toolTotal.WithLabelValues(tool, status).Inc()
	getMetrics().toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordRetry updates the provider retry counter.
func RecordRetry(provider string) {
	getMetrics().retryTotal.WithLabelValues(provider).Inc()
}

var _ Emitter = (*LogEmitter)(nil)
var _ Emitter = NopEmitter{}
