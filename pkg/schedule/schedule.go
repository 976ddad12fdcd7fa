// Package schedule runs recurring agent jobs on cron expressions.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/agentloop/pkg/runtime"
)

// Runner executes one agent run. *runtime.Runtime satisfies it.
type Runner interface {
	Run(ctx context.Context, input string, execCtx map[string]interface{}) (runtime.Result, error)
}

// Job is a registered recurring run.
type Job struct {
	ID      cron.EntryID
	Name    string
	Spec    string
	Input   string
	ExecCtx map[string]interface{}
}

// Scheduler triggers agent runs from cron expressions (standard
// 5-field format).
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	logger  zerolog.Logger
	timeout time.Duration

	mu   sync.RWMutex
	jobs map[cron.EntryID]Job
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithJobTimeout bounds each triggered run. Zero means no bound.
func WithJobTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.timeout = d }
}

// NewScheduler creates a stopped scheduler around runner.
func NewScheduler(runner Runner, logger zerolog.Logger, opts ...Option) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	s := &Scheduler{
		cron:   cron.New(),
		runner: runner,
		logger: logger.With().Str("component", "schedule").Logger(),
		jobs:   make(map[cron.EntryID]Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Add registers a recurring run. The returned ID can be passed to
// Remove.
func (s *Scheduler) Add(spec, name, input string, execCtx map[string]interface{}) (cron.EntryID, error) {
	if name == "" {
		return 0, fmt.Errorf("job name is required")
	}
	if input == "" {
		return 0, fmt.Errorf("job input is required")
	}

	id, err := s.cron.AddFunc(spec, func() {
		s.execute(name, input, execCtx)
	})
	if err != nil {
		return 0, fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	s.mu.Lock()
	s.jobs[id] = Job{ID: id, Name: name, Spec: spec, Input: input, ExecCtx: execCtx}
	s.mu.Unlock()

	s.logger.Info().
		Str("job", name).
		Str("spec", spec).
		Msg("Job registered")
	return id, nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// Jobs lists the registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out
}

// Start begins firing jobs in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) execute(name, input string, execCtx map[string]interface{}) {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	result, err := s.runner.Run(ctx, input, execCtx)
	if err != nil {
		s.logger.Error().
			Str("job", name).
			Dur("duration", time.Since(started)).
			Err(err).
			Msg("Scheduled run failed")
		return
	}

	s.logger.Info().
		Str("job", name).
		Dur("duration", time.Since(started)).
		Int("iterations", result.Iterations).
		Msg("Scheduled run completed")
}
