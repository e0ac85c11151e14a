package distribution

import (
	"errors"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/fault"
	"github.com/ChuLiYu/beaver-engine/internal/scheduledtask"
	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receiverHarness struct {
	now     int64
	store   *state.MemoryStore
	applied []Message
	fail    error
	recv    *Receiver
}

func newReceiverHarness(t *testing.T) *receiverHarness {
	t.Helper()
	h := &receiverHarness{store: state.NewMemoryStore()}
	r, err := NewReceiver(ReceiverOptions{
		Partition: 2,
		Store:     h.store,
		Apply: func(msg Message) error {
			if h.fail != nil {
				return h.fail
			}
			h.applied = append(h.applied, msg)
			return nil
		},
		Now:       func() int64 { return h.now },
		MarkerTTL: time.Minute,
	})
	require.NoError(t, err)
	h.recv = r
	return h
}

func message(origin int, key Key, attempt int) Message {
	return Message{Origin: origin, Key: key, Target: 2, Attempt: attempt, Command: deployCmd}
}

func TestReceiveAppliesOnce(t *testing.T) {
	h := newReceiverHarness(t)

	ack, err := h.recv.Receive(message(1, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, Ack{Target: 2, Key: 5}, ack)

	// redelivery after a lost ack
	ack, err = h.recv.Receive(message(1, 5, 2))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	assert.Len(t, h.applied, 1)
	seen, err := h.recv.Seen(1, 5)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestReceiveKeysAreScopedByOrigin(t *testing.T) {
	h := newReceiverHarness(t)
	_, err := h.recv.Receive(message(1, 5, 1))
	require.NoError(t, err)
	ack, err := h.recv.Receive(message(3, 5, 1))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Len(t, h.applied, 2)
}

func TestReceiveRecoverableFailureIsRetried(t *testing.T) {
	h := newReceiverHarness(t)
	h.fail = &executor.ProcessingError{OperationID: "deploy", Class: fault.ClassRecoverable, Cause: errors.New("busy")}

	_, err := h.recv.Receive(message(1, 5, 1))
	require.Error(t, err)
	assert.True(t, fault.IsRecoverable(err))

	seen, err := h.recv.Seen(1, 5)
	require.NoError(t, err)
	assert.False(t, seen, "a failed apply leaves no marker")

	h.fail = nil
	ack, err := h.recv.Receive(message(1, 5, 2))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Len(t, h.applied, 1)
}

func TestReceiveUnclassifiedFailureIsRetried(t *testing.T) {
	h := newReceiverHarness(t)
	h.fail = errors.New("store unavailable")

	_, err := h.recv.Receive(message(1, 5, 1))
	assert.True(t, fault.IsRecoverable(err))
}

func TestReceiveFatalRejectionIsAcknowledged(t *testing.T) {
	h := newReceiverHarness(t)
	h.fail = &executor.ProcessingError{OperationID: "deploy", Class: fault.ClassFatal, Cause: errors.New("bad payload")}

	ack, err := h.recv.Receive(message(1, 5, 1))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	ack, err = h.recv.Receive(message(1, 5, 2))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
}

func TestForgetDropsMarker(t *testing.T) {
	h := newReceiverHarness(t)
	h.now = 1_000
	_, err := h.recv.Receive(message(1, 5, 1))
	require.NoError(t, err)

	n, err := state.Count(h.store, markerTTLPrefix)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, h.recv.Forget(markerID(1, 5)))
	seen, err := h.recv.Seen(1, 5)
	require.NoError(t, err)
	assert.False(t, seen)
	n, err = state.Count(h.store, markerTTLPrefix)
	require.NoError(t, err)
	assert.Zero(t, n)

	// forgetting twice is harmless, garbage is not
	assert.NoError(t, h.recv.Forget(markerID(1, 5)))
	assert.Error(t, h.recv.Forget("nonsense"))
}

func TestMarkerSweepEmitsForgetAfterTTL(t *testing.T) {
	h := newReceiverHarness(t)
	h.now = 0
	_, err := h.recv.Receive(message(1, 5, 1))
	require.NoError(t, err)
	h.now = 30_000
	_, err = h.recv.Receive(message(1, 6, 1))
	require.NoError(t, err)

	sweep, err := h.recv.MarkerSweep(scheduledtask.Every(time.Minute))
	require.NoError(t, err)

	batch, decision := sweep.Execute(scheduledtask.NewContext(h.store, 10, 60_000))
	require.Len(t, batch, 1)
	assert.Equal(t, OpForgetMarker, batch[0].OperationID)
	assert.Equal(t, markerID(1, 5), string(batch[0].Payload))
	assert.Equal(t, scheduledtask.Delayed(time.Minute), decision)

	require.NoError(t, h.recv.Forget(string(batch[0].Payload)))
	seen, err := h.recv.Seen(1, 6)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMarkerIDRoundTrip(t *testing.T) {
	origin, key, err := parseMarkerID(markerID(4, 12))
	require.NoError(t, err)
	assert.Equal(t, 4, origin)
	assert.Equal(t, Key(12), key)

	for _, bad := range []string{"", "4", "x/1", "4/y"} {
		_, _, err := parseMarkerID(bad)
		assert.Error(t, err, bad)
	}
}
