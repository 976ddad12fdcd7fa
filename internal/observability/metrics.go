package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	toolTotal    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	retryTotal    *prometheus.CounterVec
	compactions   *prometheus.CounterVec
	tokenWarnings *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			retryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "provider_retry_total",
					Help: "Total provider call retries by provider.",
				},
				[]string{"provider"},
			),
			compactions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "context_compaction_total",
					Help: "Total context compaction passes by kind.",
				},
				[]string{"kind"},
			),
			tokenWarnings: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "token_limit_warning_total",
					Help: "Total token limit warnings by client.",
				},
				[]string{"client"},
			),
		}

		prometheus.MustRegister(
			m.runTotal,
			m.runDuration,
			m.toolTotal,
			m.toolDuration,
			m.retryTotal,
			m.compactions,
			m.tokenWarnings,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered registers the module metrics with the default
// prometheus registry. Safe to call from any component constructor.
func EnsureRegistered() {
	getMetrics()
}
