// ============================================================================
// Beaver-Engine Scheduled Task Service
// ============================================================================
//
// Package: internal/scheduledtask
// File: service.go
//
// Runs registered tasks on the partition executor's logical clock. Every run
// is an executor callback, so it executes on the partition actor and never
// overlaps another run of the same task.
//
// Run cycle:
//   1. build a Context (state reader, bounded batch, logical now)
//   2. task.Execute
//   3. hand a non-empty batch to the Sink (the partition logs and applies it)
//   4. schedule the next run per the returned Decision
//
// A panicking task or a failing sink delays the next run by RetryDelay
// instead of spinning on Continue.
//
// ============================================================================

package scheduledtask

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/metrics"
	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrDuplicateTask = errors.New("scheduled task already registered")
	ErrServiceClosed = errors.New("scheduled task service is closed")
)

// Timers is the slice of the executor the service needs.
type Timers interface {
	Schedule(delay time.Duration, cb executor.Callback) (*executor.Timer, error)
	Now() int64
}

// Sink receives the follow-up commands produced by a run.
type Sink func(task string, batch Batch) error

// Options configure a Service.
type Options struct {
	Partition  int
	Timers     Timers
	State      state.Reader
	Sink       Sink
	BatchLimit int
	RetryDelay time.Duration
	Metrics    *metrics.Collector
}

type registered struct {
	task  Task
	timer *executor.Timer
	runs  int
}

// Service owns the registered tasks of one partition.
type Service struct {
	opts   Options
	log    zerolog.Logger
	tasks  map[string]*registered
	order  []string
	closed bool
}

// NewService validates opts and returns an empty service.
func NewService(opts Options) (*Service, error) {
	if opts.Timers == nil || opts.State == nil || opts.Sink == nil {
		return nil, errors.New("scheduled task service needs timers, state and sink")
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = 100
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	return &Service{
		opts:  opts,
		log:   log.With().Str("component", "scheduledtask").Int("partition", opts.Partition).Logger(),
		tasks: make(map[string]*registered),
	}, nil
}

// Register schedules the first run of task after initialDelay.
func (s *Service) Register(task Task, initialDelay time.Duration) error {
	if s.closed {
		return ErrServiceClosed
	}
	name := task.Name()
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
	}
	r := &registered{task: task}
	s.tasks[name] = r
	s.order = append(s.order, name)
	return s.schedule(r, initialDelay)
}

func (s *Service) schedule(r *registered, delay time.Duration) error {
	timer, err := s.opts.Timers.Schedule(delay, func() error { return s.run(r) })
	if err != nil {
		return fmt.Errorf("schedule task %s: %w", r.task.Name(), err)
	}
	r.timer = timer
	return nil
}

func (s *Service) run(r *registered) error {
	if s.closed {
		return nil
	}
	name := r.task.Name()
	ctx := NewContext(s.opts.State, s.opts.BatchLimit, s.opts.Timers.Now())

	batch, decision, err := execute(r.task, ctx)
	r.runs++
	if err != nil {
		s.log.Error().Err(err).Str("task", name).Msg("scheduled task failed")
		decision = Delayed(s.opts.RetryDelay)
		batch = nil
	}
	if ctx.CursorReset() {
		s.opts.Metrics.RecordCursorReset(s.opts.Partition, name)
	}
	s.opts.Metrics.RecordTaskRun(s.opts.Partition, name, len(batch))

	if len(batch) > 0 {
		if err := s.opts.Sink(name, batch); err != nil {
			s.log.Warn().Err(err).Str("task", name).Int("batch", len(batch)).Msg("follow-up commands rejected")
			decision = Delayed(s.opts.RetryDelay)
		}
	}

	if s.closed {
		return nil
	}
	s.log.Debug().Str("task", name).Int("batch", len(batch)).Stringer("decision", decision).Msg("task run")
	return s.schedule(r, decision.Delay())
}

func execute(task Task, ctx *Context) (batch Batch, decision Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.Name(), r)
		}
	}()
	batch, decision = task.Execute(ctx)
	return batch, decision, nil
}

// Runs returns how many times the named task has run.
func (s *Service) Runs(name string) int {
	if r, ok := s.tasks[name]; ok {
		return r.runs
	}
	return 0
}

// Tasks returns registered task names in registration order.
func (s *Service) Tasks() []string {
	return append([]string(nil), s.order...)
}

// Close stops every task from being rescheduled.
func (s *Service) Close() {
	s.closed = true
	for _, name := range s.order {
		if t := s.tasks[name].timer; t != nil {
			t.Cancel()
		}
	}
}
