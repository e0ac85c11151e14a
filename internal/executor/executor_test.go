package executor

// ============================================================================
// Executor Test File
// Purpose: verify handler dispatch, position ordering and logical timers
// ============================================================================

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func command(op string) Command {
	return Command{OperationID: op, Kind: KindCommand}
}

func query(op string) Command {
	return Command{OperationID: op, Kind: KindQuery}
}

func at(position, ts int64, cmd Command) InvocationContext {
	return InvocationContext{Position: position, Command: cmd, Caller: "test", Timestamp: ts}
}

// ============================================================================
// Registration
// ============================================================================

func TestRegister(t *testing.T) {
	e := New(Options{})
	noop := func(InvocationContext) ([]byte, error) { return nil, nil }

	require.NoError(t, e.Register("a", KindCommand, noop))
	assert.True(t, e.IsRegistered("a"))

	assert.ErrorIs(t, e.Register("a", KindQuery, noop), ErrDuplicateHandler)
	assert.ErrorIs(t, e.Register("", KindCommand, noop), ErrInvalidRegistration)
	assert.ErrorIs(t, e.Register("b", KindCommand, nil), ErrInvalidRegistration)
	assert.ErrorIs(t, e.Register("c", Kind(9), noop), ErrInvalidRegistration)
}

// ============================================================================
// Apply
// ============================================================================

func TestApplyFiresHandlerOnce(t *testing.T) {
	e := New(Options{})
	var calls []InvocationContext
	require.NoError(t, e.Register("a", KindCommand, func(ic InvocationContext) ([]byte, error) {
		calls = append(calls, ic)
		return []byte("ok"), nil
	}))

	out, err := e.Apply(at(1, 1000, command("a")))
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), out)

	require.Len(t, calls, 1)
	assert.Equal(t, int64(1), calls[0].Position)
	assert.Equal(t, int64(1000), calls[0].Timestamp)
	assert.Equal(t, "test", calls[0].Caller)
	assert.Equal(t, int64(1), e.LastPosition())
}

func TestApplyRejections(t *testing.T) {
	e := New(Options{})
	noop := func(InvocationContext) ([]byte, error) { return nil, nil }
	require.NoError(t, e.Register("write", KindCommand, noop))
	require.NoError(t, e.Register("read", KindQuery, noop))

	tests := []struct {
		name string
		ic   InvocationContext
		want error
	}{
		{"unregistered", at(1, 0, command("nope")), ErrUnregisteredOperation},
		{"command sent as query", at(1, 0, query("write")), ErrKindMismatch},
		{"query sent as command", at(1, 0, command("read")), ErrKindMismatch},
		{"missing kind", at(1, 0, Command{OperationID: "write"}), ErrKindMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, e.Check(tt.ic.Command), tt.want)
			_, err := e.Apply(tt.ic)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, e.LastPosition())

	assert.NoError(t, e.Check(command("write")))
	assert.NoError(t, e.Check(query("read")))
}

func TestApplyPositionsMustIncrease(t *testing.T) {
	e := New(Options{})
	var applied []int64
	require.NoError(t, e.Register("a", KindCommand, func(ic InvocationContext) ([]byte, error) {
		applied = append(applied, ic.Position)
		return nil, nil
	}))

	_, err := e.Apply(at(5, 0, command("a")))
	require.NoError(t, err)
	_, err = e.Apply(at(5, 0, command("a")))
	assert.ErrorIs(t, err, ErrPositionNotIncreasing)
	_, err = e.Apply(at(3, 0, command("a")))
	assert.ErrorIs(t, err, ErrPositionNotIncreasing)
	_, err = e.Apply(at(9, 0, command("a")))
	require.NoError(t, err)

	assert.Equal(t, []int64{5, 9}, applied)
}

func TestQueryDoesNotConsumePosition(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Register("get", KindQuery, func(ic InvocationContext) ([]byte, error) {
		return []byte("v"), nil
	}))
	require.NoError(t, e.Register("put", KindCommand, func(ic InvocationContext) ([]byte, error) {
		return nil, nil
	}))

	_, err := e.Apply(at(4, 0, command("put")))
	require.NoError(t, err)

	out, err := e.Apply(at(0, 0, query("get")))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), out)
	assert.Equal(t, int64(4), e.LastPosition())
}

func TestHandlerFailureClassification(t *testing.T) {
	e := New(Options{})
	busy := errors.New("busy")
	broken := errors.New("broken")
	require.NoError(t, e.Register("retry", KindCommand, func(InvocationContext) ([]byte, error) {
		return nil, fault.Recoverable(busy)
	}))
	require.NoError(t, e.Register("fail", KindCommand, func(InvocationContext) ([]byte, error) {
		return nil, broken
	}))
	require.NoError(t, e.Register("panic", KindCommand, func(InvocationContext) ([]byte, error) {
		panic("bad state")
	}))

	_, err := e.Apply(at(1, 0, command("retry")))
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Recoverable())
	assert.Equal(t, int64(1), perr.Position)
	assert.ErrorIs(t, err, busy)

	_, err = e.Apply(at(2, 0, command("fail")))
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.Recoverable())
	assert.ErrorIs(t, err, broken)

	_, err = e.Apply(at(3, 0, command("panic")))
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, fault.ClassFatal, perr.Class)
	assert.Contains(t, err.Error(), "bad state")

	// failed commands still consume their position
	assert.Equal(t, int64(3), e.LastPosition())
}

// ============================================================================
// Scheduling
// ============================================================================

func TestScheduledCallbackNeverFiresEarly(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Tick(1))

	fired := 0
	_, err := e.Schedule(100*time.Millisecond, func() error { fired++; return nil })
	require.NoError(t, err)

	require.NoError(t, e.Tick(100))
	assert.Equal(t, 0, fired)

	require.NoError(t, e.Tick(101))
	assert.Equal(t, 1, fired)

	require.NoError(t, e.Tick(500))
	assert.Equal(t, 1, fired)
}

func TestCallbacksFireInDueThenRegistrationOrder(t *testing.T) {
	e := New(Options{})
	var order []string
	record := func(name string) Callback {
		return func() error { order = append(order, name); return nil }
	}

	_, _ = e.Schedule(30*time.Millisecond, record("late"))
	_, _ = e.Schedule(10*time.Millisecond, record("first"))
	_, _ = e.Schedule(10*time.Millisecond, record("second"))
	_, _ = e.ScheduleAt(20, record("middle"))

	require.NoError(t, e.Tick(1000))
	assert.Equal(t, []string{"first", "second", "middle", "late"}, order)
}

func TestTickNeverMovesClockBackwards(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Tick(500))
	require.NoError(t, e.Tick(200))
	assert.Equal(t, int64(500), e.Now())

	timer, err := e.Schedule(10*time.Millisecond, func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, int64(510), timer.Due())
}

func TestCallbackScheduledDuringTickWaitsForNextTick(t *testing.T) {
	e := New(Options{})
	var order []string
	_, _ = e.Schedule(0, func() error {
		order = append(order, "outer")
		_, err := e.Schedule(0, func() error {
			order = append(order, "inner")
			return nil
		})
		return err
	})

	require.NoError(t, e.Tick(0))
	assert.Equal(t, []string{"outer"}, order)

	due, ok := e.NextDue()
	require.True(t, ok)
	assert.Equal(t, int64(0), due)

	require.NoError(t, e.Tick(0))
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestCancelledTimerDoesNotFire(t *testing.T) {
	e := New(Options{})
	fired := false
	timer, _ := e.Schedule(5*time.Millisecond, func() error { fired = true; return nil })
	timer.Cancel()

	_, ok := e.NextDue()
	assert.False(t, ok)
	assert.Zero(t, e.Pending())

	require.NoError(t, e.Tick(100))
	assert.False(t, fired)
}

func TestFailingCallbacksDoNotStopOthers(t *testing.T) {
	e := New(Options{})
	first := errors.New("first")
	var ran []int
	_, _ = e.Schedule(1*time.Millisecond, func() error { ran = append(ran, 1); return first })
	_, _ = e.Schedule(2*time.Millisecond, func() error { panic("second") })
	_, _ = e.Schedule(3*time.Millisecond, func() error { ran = append(ran, 3); return nil })

	err := e.Tick(10)
	require.Error(t, err)
	assert.ErrorIs(t, err, first)
	assert.Contains(t, err.Error(), "second")

	var cbErr *CallbackError
	require.ErrorAs(t, err, &cbErr)
	assert.Equal(t, int64(1), cbErr.Due)
	assert.Equal(t, []int{1, 3}, ran)
}

func TestCloseCancelsEverything(t *testing.T) {
	e := New(Options{})
	fired := false
	_, _ = e.Schedule(time.Millisecond, func() error { fired = true; return nil })

	e.Close()
	assert.Zero(t, e.Pending())
	assert.ErrorIs(t, e.Tick(10), ErrExecutorClosed)
	_, err := e.Schedule(0, func() error { return nil })
	assert.ErrorIs(t, err, ErrExecutorClosed)
	_, err = e.Apply(at(1, 0, command("a")))
	assert.ErrorIs(t, err, ErrExecutorClosed)
	assert.False(t, fired)
}

func TestRestore(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Register("a", KindCommand, func(InvocationContext) ([]byte, error) { return nil, nil }))
	e.Restore(41, 9000)

	assert.Equal(t, int64(41), e.LastPosition())
	assert.Equal(t, int64(9000), e.Now())
	_, err := e.Apply(at(41, 0, command("a")))
	assert.ErrorIs(t, err, ErrPositionNotIncreasing)
	_, err = e.Apply(at(42, 0, command("a")))
	assert.NoError(t, err)
}

// ============================================================================
// Determinism
// ============================================================================

// step is one input to an executor: either a command or a tick.
type step struct {
	tick     bool
	now      int64
	position int64
	delay    int64
}

func randomSteps(seed int64, n int) []step {
	r := rand.New(rand.NewSource(seed))
	var steps []step
	var now, pos int64
	for i := 0; i < n; i++ {
		if r.Intn(3) == 0 {
			now += int64(r.Intn(50))
			steps = append(steps, step{tick: true, now: now})
			continue
		}
		pos += int64(1 + r.Intn(3))
		steps = append(steps, step{position: pos, delay: int64(r.Intn(80))})
	}
	return append(steps, step{tick: true, now: now + 1000})
}

// run feeds steps to a fresh executor whose handler schedules a callback
// per command, and returns the trace of observable effects.
func run(t *testing.T, steps []step) []string {
	t.Helper()
	e := New(Options{})
	var trace []string
	require.NoError(t, e.Register("arm", KindCommand, func(ic InvocationContext) ([]byte, error) {
		trace = append(trace, fmt.Sprintf("apply@%d", ic.Position))
		delay := int64(ic.Command.Payload[0])
		pos := ic.Position
		_, err := e.Schedule(time.Duration(delay)*time.Millisecond, func() error {
			trace = append(trace, fmt.Sprintf("fire(%d)@%d", pos, e.Now()))
			return nil
		})
		return nil, err
	}))

	for _, s := range steps {
		if s.tick {
			require.NoError(t, e.Tick(s.now))
			continue
		}
		_, err := e.Apply(InvocationContext{
			Position: s.position,
			Command:  Command{OperationID: "arm", Kind: KindCommand, Payload: []byte{byte(s.delay)}},
		})
		require.NoError(t, err)
	}
	assert.Zero(t, e.Pending(), "every callback fires by the final tick")
	return trace
}

func TestReplayIsDeterministic(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		steps := randomSteps(seed, 200)
		first := run(t, steps)
		second := run(t, steps)
		assert.Equal(t, first, second, "seed %d", seed)
	}
}

func TestEveryCallbackFiresExactlyOnceNotBeforeDue(t *testing.T) {
	e := New(Options{})
	r := rand.New(rand.NewSource(7))
	fired := make(map[int]int)
	due := make(map[int]int64)

	var now int64
	for i := 0; i < 300; i++ {
		if r.Intn(2) == 0 {
			id := i
			timer, err := e.Schedule(time.Duration(r.Intn(100))*time.Millisecond, func() error {
				fired[id]++
				assert.GreaterOrEqual(t, e.Now(), due[id])
				return nil
			})
			require.NoError(t, err)
			due[id] = timer.Due()
			continue
		}
		now += int64(r.Intn(40))
		require.NoError(t, e.Tick(now))
	}
	require.NoError(t, e.Tick(now+1000))

	for id := range due {
		assert.Equal(t, 1, fired[id], "callback %d", id)
	}
}
