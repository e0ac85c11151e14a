package distribution

// ============================================================================
// Distributor Test File
// Purpose: verify delivery states, retry budget, ordering and recovery
// ============================================================================

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// fakeSender records every send and lets the test decide how each one ends.
type fakeSender struct {
	sent    []Message
	futures []*actor.Future[Ack]
	// respond, if set, answers a send immediately; returning nil leaves the
	// future open.
	respond func(msg Message) (*Ack, error)
}

func (f *fakeSender) Send(_ context.Context, target int, msg Message) *actor.Future[Ack] {
	f.sent = append(f.sent, msg)
	fut := actor.NewFuture[Ack]()
	f.futures = append(f.futures, fut)
	if f.respond != nil {
		ack, err := f.respond(msg)
		switch {
		case err != nil:
			_ = fut.Fail(err)
		case ack != nil:
			_ = fut.Complete(*ack)
		}
	}
	return fut
}

func (f *fakeSender) sentTo(target int) []Message {
	var out []Message
	for _, m := range f.sent {
		if m.Target == target {
			out = append(out, m)
		}
	}
	return out
}

func ackFor(msg Message) *Ack {
	return &Ack{Target: msg.Target, Key: msg.Key}
}

type staticTopology []int

func (s staticTopology) Partitions() []int { return s }

type harness struct {
	now       int64
	store     *state.MemoryStore
	sender    *fakeSender
	dist      *Distributor
	completed []Key
	failed    []Key
}

func newHarness(t *testing.T, policy RetryPolicy) *harness {
	t.Helper()
	return newHarnessOn(t, policy, state.NewMemoryStore())
}

func newHarnessOn(t *testing.T, policy RetryPolicy, store *state.MemoryStore) *harness {
	t.Helper()
	h := &harness{store: store, sender: &fakeSender{}}
	d, err := NewDistributor(Options{
		Partition:  1,
		Store:      h.store,
		Sender:     h.sender,
		Topology:   staticTopology{1, 2, 3},
		Runner:     func(fn func()) { fn() },
		Now:        func() int64 { return h.now },
		Retry:      policy,
		AckTimeout: time.Second,
		OnComplete: func(r Record) { h.completed = append(h.completed, r.Key) },
		OnFailed:   func(r Record) { h.failed = append(h.failed, r.Key) },
	})
	require.NoError(t, err)
	h.dist = d
	return h
}

func (h *harness) advance(t *testing.T, to int64) {
	t.Helper()
	h.now = to
	require.NoError(t, h.dist.Advance(to))
}

func (h *harness) record(t *testing.T, key Key) *Record {
	t.Helper()
	rec, ok, err := h.dist.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "record %d should be active", key)
	return &rec
}

func testPolicy() RetryPolicy {
	return RetryPolicy{InitialDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: time.Second, MaxAttempts: 5}
}

var deployCmd = executor.Command{OperationID: "deploy", Kind: executor.KindCommand, Payload: []byte("v2")}

// ============================================================================
// Retry policy
// ============================================================================

func TestBackoff(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: 500 * time.Millisecond, MaxAttempts: 3}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(60))
}

func TestRetryPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())

	bad := []RetryPolicy{
		{InitialDelay: -1, Factor: 2, MaxDelay: time.Second, MaxAttempts: 1},
		{InitialDelay: time.Second, Factor: 0.5, MaxDelay: time.Second, MaxAttempts: 1},
		{InitialDelay: time.Second, Factor: 2, MaxDelay: time.Millisecond, MaxAttempts: 1},
		{InitialDelay: time.Second, Factor: 2, MaxDelay: time.Second, MaxAttempts: 0},
	}
	for _, p := range bad {
		assert.Error(t, p.Validate(), "%+v", p)
	}
}

// ============================================================================
// Basic lifecycle
// ============================================================================

func TestDistributeMarksEveryTargetPending(t *testing.T) {
	h := newHarness(t, testPolicy())

	key, err := h.dist.Distribute(deployCmd, []int{3, 2, 3}, "")
	require.NoError(t, err)
	assert.Equal(t, Key(1), key)

	rec := h.record(t, key)
	require.Len(t, rec.Targets, 2)
	assert.Equal(t, 2, rec.Targets[0].Partition)
	assert.Equal(t, 3, rec.Targets[1].Partition)
	for _, target := range rec.Targets {
		assert.Equal(t, StatusPending, target.Status)
	}
	assert.Empty(t, h.sender.sent, "distribute does not send")

	next, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)
	assert.Equal(t, Key(2), next)
}

func TestDistributionCompletesWhenAllAcknowledge(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.sender.respond = func(m Message) (*Ack, error) { return ackFor(m), nil }

	key, err := h.dist.Distribute(deployCmd, []int{2, 3}, "")
	require.NoError(t, err)
	h.advance(t, 10)

	_, ok, err := h.dist.Get(key)
	require.NoError(t, err)
	assert.False(t, ok, "completed records are released")
	assert.Equal(t, []Key{key}, h.completed)
	assert.Len(t, h.sender.sent, 2)
	assert.Equal(t, deployCmd, h.sender.sent[0].Command)
	assert.Equal(t, 1, h.sender.sent[0].Origin)
}

func TestDistributeWithKey(t *testing.T) {
	h := newHarness(t, testPolicy())

	require.NoError(t, h.dist.DistributeWithKey(7, deployCmd, []int{2}, ""))
	assert.ErrorIs(t, h.dist.DistributeWithKey(7, deployCmd, []int{3}, ""), ErrKeyInUse)

	// automatic keys skip past reserved ones
	key, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)
	assert.Equal(t, Key(8), key)

	// the key is reusable once the distribution completed
	h.sender.respond = func(m Message) (*Ack, error) { return ackFor(m), nil }
	h.advance(t, 1)
	assert.NoError(t, h.dist.DistributeWithKey(7, deployCmd, []int{3}, ""))
}

func TestDistributeToAllSkipsOrigin(t *testing.T) {
	h := newHarness(t, testPolicy())
	key, err := h.dist.DistributeToAll(deployCmd, "")
	require.NoError(t, err)

	rec := h.record(t, key)
	require.Len(t, rec.Targets, 2)
	assert.Equal(t, 2, rec.Targets[0].Partition)
	assert.Equal(t, 3, rec.Targets[1].Partition)
}

func TestDistributeWithoutTargetsCompletesImmediately(t *testing.T) {
	h := newHarness(t, testPolicy())
	key, err := h.dist.Distribute(deployCmd, nil, "")
	require.NoError(t, err)
	assert.Equal(t, []Key{key}, h.completed)
}

// ============================================================================
// Retries
// ============================================================================

// Partition 2 acknowledges at once; partition 3 lets two attempts time out
// and acknowledges the third.
func TestCompletesAfterSlowTargetAcknowledgesThirdAttempt(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.sender.respond = func(m Message) (*Ack, error) {
		if m.Target == 2 || m.Attempt == 3 {
			return ackFor(m), nil
		}
		return nil, nil
	}

	key, err := h.dist.Distribute(deployCmd, []int{2, 3}, "")
	require.NoError(t, err)

	h.advance(t, 0) // attempt 1 to both
	rec := h.record(t, key)
	assert.Equal(t, StatusAcknowledged, rec.target(2).Status)
	assert.Equal(t, StatusInflight, rec.target(3).Status)

	h.advance(t, 999)
	assert.Len(t, h.sender.sentTo(3), 1, "ack timeout not reached")

	h.advance(t, 1000) // timeout, backoff 100ms
	rec = h.record(t, key)
	assert.Equal(t, StatusPending, rec.target(3).Status)
	assert.Equal(t, int64(1100), rec.target(3).NextAttempt)
	assert.Equal(t, "ack timeout", rec.target(3).LastError)

	h.advance(t, 1099)
	assert.Len(t, h.sender.sentTo(3), 1, "backoff not elapsed")

	h.advance(t, 1100) // attempt 2
	h.advance(t, 2100) // timeout, backoff 200ms
	assert.Len(t, h.sender.sentTo(3), 2)
	assert.Equal(t, int64(2300), h.record(t, key).target(3).NextAttempt)
	assert.Empty(t, h.completed)

	h.advance(t, 2300) // attempt 3 acknowledged
	assert.Equal(t, []Key{key}, h.completed)
	assert.Len(t, h.sender.sentTo(3), 3)
	assert.Len(t, h.sender.sentTo(2), 1)
}

func TestSendErrorRevertsToPending(t *testing.T) {
	h := newHarness(t, testPolicy())
	h.sender.respond = func(m Message) (*Ack, error) {
		if m.Attempt == 1 {
			return nil, errors.New("connection refused")
		}
		return ackFor(m), nil
	}

	key, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)
	h.advance(t, 0)

	rec := h.record(t, key)
	assert.Equal(t, StatusPending, rec.target(2).Status)
	assert.Equal(t, "connection refused", rec.target(2).LastError)
	assert.Equal(t, int64(100), rec.target(2).NextAttempt)

	h.advance(t, 100)
	assert.Equal(t, []Key{key}, h.completed)
}

func TestLateAckFromTimedOutAttemptCounts(t *testing.T) {
	h := newHarness(t, testPolicy())
	key, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)

	h.advance(t, 0)
	h.advance(t, 1000) // first attempt timed out
	require.Equal(t, StatusPending, h.record(t, key).target(2).Status)

	require.NoError(t, h.sender.futures[0].Complete(Ack{Target: 2, Key: key}))
	assert.Equal(t, []Key{key}, h.completed)
}

func TestStaleFailureIsIgnored(t *testing.T) {
	h := newHarness(t, testPolicy())
	key, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)

	h.advance(t, 0)
	h.advance(t, 1000) // attempt 1 timed out
	h.advance(t, 1100) // attempt 2 in flight

	require.NoError(t, h.sender.futures[0].Fail(errors.New("too late")))
	rec := h.record(t, key)
	assert.Equal(t, StatusInflight, rec.target(2).Status)
	assert.Equal(t, 2, rec.target(2).Attempts)
}

func TestExhaustedBudgetFailsUntilResumed(t *testing.T) {
	policy := RetryPolicy{InitialDelay: 10 * time.Millisecond, Factor: 1, MaxDelay: 10 * time.Millisecond, MaxAttempts: 2}
	h := newHarness(t, policy)
	failing := true
	h.sender.respond = func(m Message) (*Ack, error) {
		if failing {
			return nil, errors.New("unreachable")
		}
		return ackFor(m), nil
	}

	key, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)
	h.advance(t, 0)  // attempt 1 fails
	h.advance(t, 10) // attempt 2 fails, budget exhausted

	rec := h.record(t, key)
	assert.True(t, rec.Failed)
	assert.Equal(t, StatusPending, rec.target(2).Status)
	assert.Equal(t, []Key{key}, h.failed)

	h.advance(t, 10_000)
	assert.Len(t, h.sender.sent, 2, "failed distributions are not retried")

	assert.ErrorIs(t, h.dist.Resume(99), ErrUnknownDistribution)
	failing = false
	require.NoError(t, h.dist.Resume(key))
	assert.ErrorIs(t, h.dist.Resume(key), ErrNotFailed)

	rec = h.record(t, key)
	assert.False(t, rec.Failed)
	assert.Zero(t, rec.target(2).Attempts)

	h.advance(t, 10_000)
	assert.Equal(t, []Key{key}, h.completed)
	assert.Len(t, h.sender.sent, 3)
}

// ============================================================================
// Ordering
// ============================================================================

func TestOrderingKeySerializesPerTarget(t *testing.T) {
	h := newHarness(t, testPolicy())

	first, err := h.dist.Distribute(deployCmd, []int{2, 3}, "deployments")
	require.NoError(t, err)
	second, err := h.dist.Distribute(deployCmd, []int{2, 3}, "deployments")
	require.NoError(t, err)
	other, err := h.dist.Distribute(deployCmd, []int{2}, "signals")
	require.NoError(t, err)

	h.advance(t, 0)
	// second waits on both targets; the unrelated ordering key goes through
	assert.Len(t, h.sender.sent, 3)
	assert.Equal(t, StatusPending, h.record(t, second).target(2).Status)
	assert.Equal(t, StatusInflight, h.record(t, other).target(2).Status)

	// ack first on partition 2 only
	require.NoError(t, h.sender.futures[0].Complete(Ack{Target: 2, Key: first}))
	h.advance(t, 1)
	assert.Equal(t, StatusInflight, h.record(t, second).target(2).Status)
	assert.Equal(t, StatusPending, h.record(t, second).target(3).Status)

	var order []Key
	for _, m := range h.sender.sentTo(2) {
		order = append(order, m.Key)
	}
	assert.Equal(t, []Key{first, other, second}, order)
}

func TestOrderingFollowsCreationNotKey(t *testing.T) {
	h := newHarness(t, testPolicy())

	first, err := h.dist.Distribute(deployCmd, []int{2}, "deployments")
	require.NoError(t, err)
	second, err := h.dist.Distribute(deployCmd, []int{2}, "deployments")
	require.NoError(t, err)
	// a caller-chosen key below every automatic key is still created last
	require.NoError(t, h.dist.DistributeWithKey(0, deployCmd, []int{2}, "deployments"))

	assert.Less(t, h.record(t, second).Seq, h.record(t, 0).Seq)

	h.advance(t, 0)
	require.Len(t, h.sender.sent, 1)
	assert.Equal(t, first, h.sender.sent[0].Key)

	require.NoError(t, h.sender.futures[0].Complete(Ack{Target: 2, Key: first}))
	h.advance(t, 1)
	require.NoError(t, h.sender.futures[1].Complete(Ack{Target: 2, Key: second}))
	h.advance(t, 2)

	var order []Key
	for _, m := range h.sender.sentTo(2) {
		order = append(order, m.Key)
	}
	assert.Equal(t, []Key{first, second, 0}, order)

	records, err := h.dist.List()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, Key(0), records[0].Key)
}

func TestNoOrderingKeyInterleaves(t *testing.T) {
	h := newHarness(t, testPolicy())
	_, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)
	_, err = h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)

	h.advance(t, 0)
	assert.Len(t, h.sender.sent, 2)
}

// ============================================================================
// Membership and recovery
// ============================================================================

func TestAddAndRemoveTargets(t *testing.T) {
	h := newHarness(t, testPolicy())
	key, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)

	require.NoError(t, h.dist.AddTarget(key, 4))
	require.NoError(t, h.dist.AddTarget(key, 4))
	require.NoError(t, h.dist.AddTarget(key, 3))
	rec := h.record(t, key)
	require.Len(t, rec.Targets, 3)
	assert.Equal(t, []int{2, 3, 4}, []int{rec.Targets[0].Partition, rec.Targets[1].Partition, rec.Targets[2].Partition})

	h.sender.respond = func(m Message) (*Ack, error) {
		if m.Target == 2 {
			return ackFor(m), nil
		}
		return nil, nil
	}
	h.advance(t, 0)

	require.NoError(t, h.dist.RemoveTarget(key, 4))
	assert.Empty(t, h.completed)
	require.NoError(t, h.dist.RemoveTarget(key, 3))
	assert.Equal(t, []Key{key}, h.completed)

	assert.ErrorIs(t, h.dist.AddTarget(key, 5), ErrUnknownDistribution)
}

func TestRecoverRequeuesInflightTargets(t *testing.T) {
	h := newHarness(t, testPolicy())
	key, err := h.dist.Distribute(deployCmd, []int{2, 3}, "")
	require.NoError(t, err)
	h.advance(t, 0)
	require.Equal(t, StatusInflight, h.record(t, key).target(2).Status)

	// a new incarnation over the same store
	restarted := newHarnessOn(t, testPolicy(), h.store)

	n, err := restarted.dist.Recover(500)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec := restarted.record(t, key)
	for _, target := range rec.Targets {
		assert.Equal(t, StatusPending, target.Status)
		assert.Equal(t, int64(500), target.NextAttempt)
	}

	restarted.advance(t, 500)
	assert.Len(t, restarted.sender.sent, 2)
}

func TestClosedDistributorIgnoresResults(t *testing.T) {
	h := newHarness(t, testPolicy())
	key, err := h.dist.Distribute(deployCmd, []int{2}, "")
	require.NoError(t, err)
	h.advance(t, 0)

	h.dist.Close()
	require.NoError(t, h.sender.futures[0].Complete(Ack{Target: 2, Key: key}))
	assert.Empty(t, h.completed)
	assert.ErrorIs(t, h.dist.Advance(1), ErrDistributorClosed)
	_, err = h.dist.Distribute(deployCmd, []int{2}, "")
	assert.ErrorIs(t, err, ErrDistributorClosed)
}
