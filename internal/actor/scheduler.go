// ============================================================================
// Beaver-Engine Actor Scheduler - 協作式 actor 排程器
// ============================================================================
//
// Package: internal/actor
// File: scheduler.go
// Purpose: multiplex many actors onto a fixed pool of worker goroutines.
//
// Execution Model:
//   ┌──────────────┐  Run(job)   ┌────────────────────────────┐
//   │ Actor        │ ──────────► │ run queue per priority     │
//   │  jobs (FIFO) │             │  high │ regular │ low      │
//   └──────────────┘             └────────────┬───────────────┘
//                                             │ selector.pick()
//                                 ┌───────────▼───────────┐
//                                 │ Worker 1..N goroutines │
//                                 │  run one actor slice   │
//                                 └────────────────────────┘
//
// Rules:
//   - an actor is in at most one run queue and run by at most one worker
//   - a slice ends after SliceDuration or MaxJobsPerSlice jobs
//   - an actor without jobs leaves the run queue (WAITING) and re-enters on
//     the next Run
//   - a panicking job is recovered and attributed to its actor only
//
// Lifecycle:
//   NewScheduler() → Start() → Submit(actor)... → Close(actor) → Stop(ctx)
//
// ============================================================================

package actor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrSchedulerClosed 表示 scheduler 已停止，無法提交新 actor
	ErrSchedulerClosed = errors.New("actor scheduler is closed")
	// ErrSchedulerNotStarted 表示 scheduler 尚未啟動
	ErrSchedulerNotStarted = errors.New("actor scheduler not started")
)

// Config 排程器配置
type Config struct {
	WorkerCount     int                  // worker goroutine 數量
	Quotas          map[Priority]float64 // 每個優先級的 CPU 配額，總和為 1
	SliceDuration   time.Duration        // 單一 actor 每次最多執行的時間
	MaxJobsPerSlice int                  // 單一 actor 每次最多執行的 job 數
	RatioWindow     time.Duration        // 配額統計的參考時間窗
	Metrics         *metrics.Collector

	nanotime func() int64
}

// DefaultQuotas is the quota split used when none is configured.
func DefaultQuotas() map[Priority]float64 {
	return map[Priority]float64{
		PriorityHigh:    0.6,
		PriorityRegular: 0.3,
		PriorityLow:     0.1,
	}
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.Quotas == nil {
		c.Quotas = DefaultQuotas()
	}
	if c.SliceDuration <= 0 {
		c.SliceDuration = 10 * time.Millisecond
	}
	if c.MaxJobsPerSlice <= 0 {
		c.MaxJobsPerSlice = 64
	}
	if c.RatioWindow <= 0 {
		c.RatioWindow = 5 * time.Second
	}
	if c.nanotime == nil {
		start := time.Now()
		c.nanotime = func() int64 { return int64(time.Since(start)) }
	}
}

// Scheduler runs actors on a fixed worker pool.
type Scheduler struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queues   [numPriorities][]*Actor
	selector *selector
	actors   map[*Actor]struct{}
	started  bool
	stopped  bool

	group errgroup.Group
}

// NewScheduler validates cfg and creates a scheduler. Workers start with Start.
func NewScheduler(cfg Config) (*Scheduler, error) {
	cfg.applyDefaults()
	if err := ValidateQuotas(cfg.Quotas); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      log.With().Str("component", "actor-scheduler").Logger(),
		selector: newSelector(cfg.Quotas, int64(cfg.RatioWindow)),
		actors:   make(map[*Actor]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Start launches the worker goroutines.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("actor scheduler already started")
	}
	if s.stopped {
		return ErrSchedulerClosed
	}
	for i := 0; i < s.cfg.WorkerCount; i++ {
		id := i
		s.group.Go(func() error {
			s.workerLoop(id)
			return nil
		})
	}
	s.started = true
	s.log.Info().Int("workers", s.cfg.WorkerCount).Msg("actor scheduler started")
	return nil
}

// Submit hands a NEW actor to the scheduler. Its OnStart hook, if any, runs
// as the first job.
func (s *Scheduler) Submit(a *Actor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrSchedulerNotStarted
	}
	if s.stopped {
		return ErrSchedulerClosed
	}
	if a.state != StateNew {
		return fmt.Errorf("actor %s already submitted (state %s)", a.Name(), a.state)
	}
	a.sched = s
	a.state = StateSubmitted
	if a.opts.OnStart != nil {
		a.jobs = append([]job{{fn: a.opts.OnStart}}, a.jobs...)
	}
	s.actors[a] = struct{}{}
	s.enqueueLocked(a)
	return nil
}

// Close cooperatively closes a: queued jobs are dropped (their futures fail
// with ErrActorClosed), timers are cancelled, OnClose runs on the actor's
// own turn and the returned future completes once the actor is CLOSED.
func (s *Scheduler) Close(a *Actor) *Future[struct{}] {
	s.mu.Lock()
	switch a.state {
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return a.closed
	case StateNew:
		a.state = StateClosed
		s.mu.Unlock()
		_ = a.closed.Complete(struct{}{})
		return a.closed
	}

	previous := a.state
	a.state = StateClosing
	dropped := a.jobs
	for t := range a.timers {
		t.Stop()
	}
	a.timers = make(map[*time.Timer]struct{})
	a.jobs = []job{{fn: func() { s.finishClose(a) }}}
	if previous == StateWaiting {
		s.enqueueLocked(a)
	}
	s.mu.Unlock()

	rejectAll(dropped, ErrActorClosed)
	return a.closed
}

func (s *Scheduler) finishClose(a *Actor) {
	if a.opts.OnClose != nil {
		a.safeInvoke(a.opts.OnClose)
	}
	s.mu.Lock()
	a.state = StateClosed
	leftovers := a.jobs
	a.jobs = nil
	delete(s.actors, a)
	s.mu.Unlock()

	rejectAll(leftovers, ErrActorClosed)
	_ = a.closed.Complete(struct{}{})
}

// Stop closes every live actor, waits for them and then stops the workers.
// Both waits are bounded by ctx; once it expires Stop returns ctx's error
// and workers still draining a job exit on their own.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	live := make([]*Actor, 0, len(s.actors))
	for a := range s.actors {
		live = append(live, a)
	}
	s.mu.Unlock()

	closing := make([]*Future[struct{}], 0, len(live))
	for _, a := range live {
		closing = append(closing, s.Close(a))
	}
	_, err := AllOf(closing...).Join(ctx)

	s.mu.Lock()
	s.stopped = true
	s.cond.Broadcast()
	s.mu.Unlock()

	workersDone := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(workersDone)
	}()
	select {
	case <-workersDone:
	case <-ctx.Done():
		s.log.Warn().Msg("actor scheduler stop timed out waiting for workers")
		if err == nil {
			err = ctx.Err()
		}
		return err
	}
	s.log.Info().Msg("actor scheduler stopped")
	return err
}

// ActorCount returns the number of actors that are not yet closed.
func (s *Scheduler) ActorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// enqueueLocked appends a to the run queue of its class. Caller holds s.mu.
func (s *Scheduler) enqueueLocked(a *Actor) {
	p := a.opts.Priority
	s.queues[p] = append(s.queues[p], a)
	s.cond.Signal()
}

func (s *Scheduler) runnableLocked() bool {
	for p := range s.queues {
		if len(s.queues[p]) > 0 {
			return true
		}
	}
	return false
}

// nextLocked pops the next actor according to the priority selector.
func (s *Scheduler) nextLocked() *Actor {
	p, ok := s.selector.pick(func(p Priority) bool { return len(s.queues[p]) > 0 })
	if !ok {
		return nil
	}
	a := s.queues[p][0]
	s.queues[p][0] = nil
	s.queues[p] = s.queues[p][1:]
	return a
}

func (s *Scheduler) workerLoop(id int) {
	for {
		s.mu.Lock()
		for !s.stopped && !s.runnableLocked() {
			s.cond.Wait()
		}
		if s.stopped && !s.runnableLocked() {
			s.mu.Unlock()
			return
		}
		a := s.nextLocked()
		if a.state == StateSubmitted {
			a.state = StateRunnable
		}
		s.mu.Unlock()

		s.runSlice(a)
	}
}

// runSlice executes jobs of a until its slice is used up or it has none left.
func (s *Scheduler) runSlice(a *Actor) {
	start := s.cfg.nanotime()
	executed := 0
	for executed < s.cfg.MaxJobsPerSlice {
		if executed > 0 && s.cfg.nanotime()-start >= int64(s.cfg.SliceDuration) {
			break
		}
		s.mu.Lock()
		if len(a.jobs) == 0 || a.state == StateClosed {
			s.mu.Unlock()
			break
		}
		j := a.jobs[0]
		a.jobs[0] = job{}
		a.jobs = a.jobs[1:]
		s.mu.Unlock()

		a.runJob(j)
		executed++
	}
	elapsed := s.cfg.nanotime() - start

	s.mu.Lock()
	s.selector.record(a.opts.Priority, elapsed)
	if a.state != StateClosed {
		if len(a.jobs) > 0 {
			s.enqueueLocked(a)
		} else if a.state == StateRunnable {
			a.state = StateWaiting
		}
	}
	s.mu.Unlock()

	s.cfg.Metrics.RecordActorSlice(a.opts.Priority.String(), executed, time.Duration(elapsed).Seconds())
}

func (a *Actor) runJob(j job) {
	if err := a.safeInvoke(j.fn); err != nil {
		if a.opts.OnFailure != nil {
			_ = a.safeInvoke(func() { a.opts.OnFailure(err) })
		}
	}
}

// safeInvoke runs fn and converts a panic into an error attributed to a.
func (a *Actor) safeInvoke(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s: job panicked: %v", a.Name(), r)
			a.logger().Error().Err(err).Msg("uncaught failure in actor job")
			if a.sched != nil {
				a.sched.cfg.Metrics.RecordActorJobFailure(a.Name())
			}
		}
	}()
	fn()
	return nil
}

func (a *Actor) logger() *zerolog.Logger {
	l := log.With().Str("actor", a.Name()).Logger()
	return &l
}
