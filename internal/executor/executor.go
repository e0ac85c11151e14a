// ============================================================================
// Beaver-Engine Deterministic Command Executor
// ============================================================================
//
// Package: internal/executor
// File: executor.go
//
// One executor per partition. It binds operation ids to handlers, applies
// commands at their log position and runs callbacks against a logical clock
// that only moves through Tick.
//
// Determinism:
//   The executor never reads the wall clock and never iterates a map while
//   producing observable effects. Feeding two executors the same ordered
//   sequence of Apply/Tick calls yields the same handler invocations and the
//   same callback firings, which is what makes replay from the log possible.
//
// Ownership:
//   An executor is owned by its partition's actor and is not safe for
//   concurrent use.
//
// ============================================================================

package executor

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/fault"
	"github.com/ChuLiYu/beaver-engine/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type registration struct {
	kind    Kind
	handler Handler
}

// Options configure an executor.
type Options struct {
	Partition int
	Metrics   *metrics.Collector
}

// Executor is the deterministic command executor of one partition.
type Executor struct {
	partition int
	metrics   *metrics.Collector
	log       zerolog.Logger

	handlers     map[string]registration
	lastPosition int64
	now          int64

	timers timerHeap
	seq    uint64
	closed bool
}

// New creates an executor with its logical clock at zero.
func New(opts Options) *Executor {
	return &Executor{
		partition: opts.Partition,
		metrics:   opts.Metrics,
		log:       log.With().Str("component", "executor").Int("partition", opts.Partition).Logger(),
		handlers:  make(map[string]registration),
	}
}

// Register binds opID to handler for the given kind.
func (e *Executor) Register(opID string, kind Kind, handler Handler) error {
	if opID == "" || handler == nil || !kind.valid() {
		return fmt.Errorf("%w: op=%q kind=%s", ErrInvalidRegistration, opID, kind)
	}
	if _, exists := e.handlers[opID]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, opID)
	}
	e.handlers[opID] = registration{kind: kind, handler: handler}
	return nil
}

// IsRegistered reports whether opID has a handler.
func (e *Executor) IsRegistered(opID string) bool {
	_, ok := e.handlers[opID]
	return ok
}

// Check reports whether cmd would reach a handler: the operation must be
// registered with the same kind. Callers that log commands check before
// appending so the log never holds a command that cannot be applied.
func (e *Executor) Check(cmd Command) error {
	_, err := e.lookup(cmd)
	return err
}

func (e *Executor) lookup(cmd Command) (registration, error) {
	reg, ok := e.handlers[cmd.OperationID]
	if !ok {
		return reg, fmt.Errorf("%w: %q", ErrUnregisteredOperation, cmd.OperationID)
	}
	if reg.kind != cmd.Kind {
		return reg, fmt.Errorf("%w: %q registered as %s, invoked as %s",
			ErrKindMismatch, cmd.OperationID, reg.kind, cmd.Kind)
	}
	return reg, nil
}

// Apply invokes the handler registered for ic.Command.
//
// COMMAND positions must strictly increase; the position is consumed even
// when the handler fails, so a failed command is never re-applied at the
// same position. QUERY invocations do not touch the position.
func (e *Executor) Apply(ic InvocationContext) ([]byte, error) {
	if e.closed {
		return nil, ErrExecutorClosed
	}
	opID := ic.Command.OperationID
	reg, err := e.lookup(ic.Command)
	if err != nil {
		return nil, err
	}
	if reg.kind == KindCommand {
		if ic.Position <= e.lastPosition {
			return nil, fmt.Errorf("%w: got %d after %d", ErrPositionNotIncreasing, ic.Position, e.lastPosition)
		}
		e.lastPosition = ic.Position
	}

	result, err := invokeHandler(reg.handler, ic)
	e.metrics.RecordApplied(e.partition, reg.kind.String())
	if err != nil {
		perr := &ProcessingError{
			Position:    ic.Position,
			OperationID: opID,
			Class:       fault.ClassOf(err),
			Cause:       err,
		}
		e.metrics.RecordProcessingFailure(e.partition, perr.Class.String())
		e.log.Warn().Err(err).Int64("position", ic.Position).Str("operation", opID).
			Str("class", perr.Class.String()).Msg("handler failed")
		return nil, perr
	}
	return result, nil
}

func invokeHandler(h Handler, ic InvocationContext) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Fatal(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return h(ic)
}

// Timer is a handle on a scheduled callback.
type Timer struct {
	due       int64
	seq       uint64
	cb        Callback
	index     int
	cancelled bool
	fired     bool
}

// Due returns the logical time at which the callback fires.
func (t *Timer) Due() int64 { return t.due }

// Cancel prevents the callback from firing. It is a no-op once fired.
func (t *Timer) Cancel() {
	t.cancelled = true
}

// Schedule registers cb to fire once the logical clock reaches now+delay.
// A negative delay counts as zero.
func (e *Executor) Schedule(delay time.Duration, cb Callback) (*Timer, error) {
	if e.closed {
		return nil, ErrExecutorClosed
	}
	if cb == nil {
		return nil, errors.New("nil callback")
	}
	if delay < 0 {
		delay = 0
	}
	e.seq++
	t := &Timer{due: e.now + delay.Milliseconds(), seq: e.seq, cb: cb}
	heap.Push(&e.timers, t)
	return t, nil
}

// ScheduleAt registers cb to fire at the absolute logical time due.
func (e *Executor) ScheduleAt(due int64, cb Callback) (*Timer, error) {
	return e.Schedule(time.Duration(due-e.now)*time.Millisecond, cb)
}

// Tick advances the logical clock to now (it never moves backwards) and
// fires every callback due at or before the clock, in (due, registration)
// order. Callbacks scheduled while ticking wait for the next Tick. Failing
// callbacks do not stop the others; their errors are joined.
func (e *Executor) Tick(now int64) error {
	if e.closed {
		return ErrExecutorClosed
	}
	if now > e.now {
		e.now = now
	}
	limit := e.seq
	fired := 0
	var errs []error
	for e.timers.Len() > 0 {
		t := e.timers[0]
		if t.due > e.now || t.seq > limit {
			break
		}
		heap.Pop(&e.timers)
		if t.cancelled {
			continue
		}
		t.fired = true
		fired++
		if err := invokeCallback(t.cb); err != nil {
			errs = append(errs, &CallbackError{Due: t.due, Cause: err})
		}
	}
	e.metrics.RecordCallbacksFired(e.partition, fired)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		e.log.Warn().Err(err).Int64("now", e.now).Msg("scheduled callbacks failed")
		return err
	}
	return nil
}

func invokeCallback(cb Callback) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Fatal(fmt.Errorf("callback panicked: %v", r))
		}
	}()
	return cb()
}

// Now returns the logical clock.
func (e *Executor) Now() int64 { return e.now }

// LastPosition returns the position of the last applied COMMAND.
func (e *Executor) LastPosition() int64 { return e.lastPosition }

// Restore sets position and clock when a partition is rebuilt from a
// snapshot. It must be called before any Apply.
func (e *Executor) Restore(position, now int64) {
	e.lastPosition = position
	if now > e.now {
		e.now = now
	}
}

// NextDue returns the earliest pending due time, skipping cancelled timers.
func (e *Executor) NextDue() (int64, bool) {
	for e.timers.Len() > 0 {
		t := e.timers[0]
		if !t.cancelled {
			return t.due, true
		}
		heap.Pop(&e.timers)
	}
	return 0, false
}

// Pending returns the number of callbacks that may still fire.
func (e *Executor) Pending() int {
	n := 0
	for _, t := range e.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Close cancels every pending callback and rejects further work.
func (e *Executor) Close() {
	for _, t := range e.timers {
		t.cancelled = true
	}
	e.timers = nil
	e.closed = true
}

// timerHeap orders timers by due time, then registration order.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
