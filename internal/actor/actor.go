package actor

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrActorClosed rejects jobs for actors that are closing, closed or
	// permanently failed.
	ErrActorClosed = errors.New("actor task closed")
	// ErrActorNotSubmitted rejects jobs for actors never handed to a scheduler.
	ErrActorNotSubmitted = errors.New("actor task not submitted")
)

// State is the lifecycle of an actor task.
type State int

const (
	StateNew State = iota
	StateSubmitted
	StateRunnable
	StateWaiting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSubmitted:
		return "SUBMITTED"
	case StateRunnable:
		return "RUNNABLE"
	case StateWaiting:
		return "WAITING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// job is one unit of work queued on an actor. reject is called instead of
// fn when the actor closes before the job ran.
type job struct {
	fn     func()
	reject func(error)
}

// Options configure an actor task.
type Options struct {
	Name     string
	Priority Priority
	// OnStart runs as the first job after submission.
	OnStart func()
	// OnClose runs on the actor's own turn while it is closing.
	OnClose func()
	// OnFailure observes panics recovered from this actor's jobs. It runs on
	// the actor's turn and may call Fail to stop the actor for good.
	OnFailure func(error)
}

// Actor is a lightweight worker with single-threaded semantics: its jobs
// run one at a time, in submission order, on whichever scheduler worker
// picks it up. All mutable fields are guarded by the scheduler mutex.
type Actor struct {
	id   string
	opts Options

	sched   *Scheduler
	state   State
	jobs    []job
	failure error
	timers  map[*time.Timer]struct{}

	closed *Future[struct{}]
}

// New creates an actor in state NEW. It does nothing until submitted.
func New(opts Options) *Actor {
	if !opts.Priority.valid() {
		opts.Priority = PriorityRegular
	}
	id := uuid.NewString()
	if opts.Name == "" {
		opts.Name = "actor-" + id[:8]
	}
	return &Actor{
		id:     id,
		opts:   opts,
		timers: make(map[*time.Timer]struct{}),
		closed: NewFuture[struct{}](),
	}
}

// ID returns the unique identity of the actor.
func (a *Actor) ID() string { return a.id }

// Name returns the human readable actor name.
func (a *Actor) Name() string { return a.opts.Name }

// Priority returns the scheduling class.
func (a *Actor) Priority() Priority { return a.opts.Priority }

// State returns the current lifecycle state.
func (a *Actor) State() State {
	if a.sched == nil {
		return a.state
	}
	a.sched.mu.Lock()
	defer a.sched.mu.Unlock()
	return a.state
}

// Closed completes once the actor reaches CLOSED.
func (a *Actor) Closed() *Future[struct{}] {
	return a.closed
}

// Run queues fn behind every job already queued on the actor.
func (a *Actor) Run(fn func()) error {
	return a.enqueue(job{fn: fn})
}

func (a *Actor) enqueue(j job) error {
	s := a.sched
	if s == nil {
		return ErrActorNotSubmitted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := a.acceptingLocked(); err != nil {
		return err
	}
	a.jobs = append(a.jobs, j)
	if a.state == StateWaiting {
		a.state = StateRunnable
		s.enqueueLocked(a)
	}
	return nil
}

func (a *Actor) acceptingLocked() error {
	if a.failure != nil {
		return fmt.Errorf("%w: %v", ErrActorClosed, a.failure)
	}
	switch a.state {
	case StateNew:
		return ErrActorNotSubmitted
	case StateClosing, StateClosed:
		return ErrActorClosed
	}
	return nil
}

// RunDelayed runs fn as a job after d of wall time. The returned function
// cancels the timer; closing the actor cancels it too.
func (a *Actor) RunDelayed(d time.Duration, fn func()) (cancel func()) {
	s := a.sched
	if s == nil {
		return func() {}
	}
	var timer *time.Timer
	s.mu.Lock()
	if a.acceptingLocked() != nil {
		s.mu.Unlock()
		return func() {}
	}
	timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, live := a.timers[timer]
		delete(a.timers, timer)
		s.mu.Unlock()
		if live {
			_ = a.Run(fn)
		}
	})
	a.timers[timer] = struct{}{}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(a.timers, timer)
		s.mu.Unlock()
		timer.Stop()
	}
}

// Fail marks the actor permanently failed. Queued jobs are rejected and
// every later Run returns ErrActorClosed. The actor still needs Close to
// release it.
func (a *Actor) Fail(err error) {
	s := a.sched
	if s == nil {
		return
	}
	if err == nil {
		err = errors.New("actor failed")
	}
	s.mu.Lock()
	if a.failure != nil || a.state == StateClosed {
		s.mu.Unlock()
		return
	}
	a.failure = err
	dropped := a.jobs
	a.jobs = nil
	s.mu.Unlock()

	rejectAll(dropped, fmt.Errorf("%w: %v", ErrActorClosed, err))
}

// Failure returns the error passed to Fail, if any.
func (a *Actor) Failure() error {
	if a.sched == nil {
		return nil
	}
	a.sched.mu.Lock()
	defer a.sched.mu.Unlock()
	return a.failure
}

func rejectAll(jobs []job, err error) {
	for _, j := range jobs {
		if j.reject != nil {
			j.reject(err)
		}
	}
}

// Call runs fn on a and completes the returned future with its result.
// If a rejects the job the future fails with the rejection.
func Call[T any](a *Actor, fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	err := a.enqueue(job{
		fn: func() {
			v, err := fn()
			if err != nil {
				_ = f.Fail(err)
				return
			}
			_ = f.Complete(v)
		},
		reject: func(err error) { _ = f.Fail(err) },
	})
	if err != nil {
		_ = f.Fail(err)
	}
	return f
}

// OnComplete runs fn on a once f completes. This is how an actor waits on
// another actor or on I/O: the worker is released immediately and the
// continuation re-enters a's queue.
func OnComplete[T any](a *Actor, f *Future[T], fn func(T, error)) {
	f.OnComplete(func(v T, err error) {
		if runErr := a.Run(func() { fn(v, err) }); runErr != nil {
			a.logger().Debug().Err(runErr).Msg("dropping continuation for closed actor")
		}
	})
}

// ThenApplyOn is ThenApply with fn running on a. A failure of f skips fn
// without entering a's queue; a rejection by a fails the result.
func ThenApplyOn[T, U any](a *Actor, f *Future[T], fn func(T) (U, error)) *Future[U] {
	return AndThen(f, func(v T) *Future[U] {
		return Call(a, func() (U, error) { return fn(v) })
	})
}

// AndThenOn is AndThen with fn running on a.
func AndThenOn[T, U any](a *Actor, f *Future[T], fn func(T) *Future[U]) *Future[U] {
	return AndThen(ThenApplyOn(a, f, func(v T) (*Future[U], error) {
		return fn(v), nil
	}), func(next *Future[U]) *Future[U] { return next })
}
