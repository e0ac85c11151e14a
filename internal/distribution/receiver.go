package distribution

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/fault"
	"github.com/ChuLiYu/beaver-engine/internal/metrics"
	"github.com/ChuLiYu/beaver-engine/internal/scheduledtask"
	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	markerPrefix    = "dist/seen/"
	markerTTLPrefix = "dist/seen-ttl/"

	// OpForgetMarker is the follow-up command that drops an expired
	// dedupe marker.
	OpForgetMarker = "distribution.forget"
)

func markerID(origin int, key Key) string {
	return fmt.Sprintf("%d/%020d", origin, int64(key))
}

func parseMarkerID(id string) (origin int, key Key, err error) {
	o, k, ok := strings.Cut(id, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed marker id %q", id)
	}
	origin, err = strconv.Atoi(o)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed marker id %q: %w", id, err)
	}
	n, err := strconv.ParseInt(k, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed marker id %q: %w", id, err)
	}
	return origin, Key(n), nil
}

// ApplyFunc applies a received command on the target partition.
type ApplyFunc func(msg Message) error

// ReceiverOptions configure a Receiver.
type ReceiverOptions struct {
	Partition int
	Store     state.Store
	Apply     ApplyFunc
	Now       func() int64
	// MarkerTTL must outlast the senders' retry horizon; a redelivery after
	// the marker expired is applied again.
	MarkerTTL time.Duration
	Metrics   *metrics.Collector
}

// Receiver applies distributed commands at most once per (origin, key).
type Receiver struct {
	opts ReceiverOptions
	log  zerolog.Logger
}

// NewReceiver validates opts.
func NewReceiver(opts ReceiverOptions) (*Receiver, error) {
	if opts.Store == nil || opts.Apply == nil || opts.Now == nil {
		return nil, errors.New("receiver needs a store, an apply function and a clock")
	}
	if opts.MarkerTTL <= 0 {
		opts.MarkerTTL = 24 * time.Hour
	}
	return &Receiver{
		opts: opts,
		log:  log.With().Str("component", "receiver").Int("partition", opts.Partition).Logger(),
	}, nil
}

// Receive applies msg unless it was applied before and acknowledges it.
//
// A handler failure classified recoverable is returned so the sender
// retries. Any other processing failure still consumed the command and is
// acknowledged, otherwise the sender would retry a deterministic rejection
// forever.
func (r *Receiver) Receive(msg Message) (Ack, error) {
	ack := Ack{Target: r.opts.Partition, Key: msg.Key}
	seen, err := r.Seen(msg.Origin, msg.Key)
	if err != nil {
		return Ack{}, err
	}
	if seen {
		r.opts.Metrics.RecordDistributionDuplicate(r.opts.Partition)
		ack.Duplicate = true
		return ack, nil
	}

	if err := r.opts.Apply(msg); err != nil {
		var perr *executor.ProcessingError
		if !errors.As(err, &perr) || perr.Recoverable() {
			return Ack{}, fault.Recoverable(err)
		}
		r.log.Warn().Err(err).Int("origin", msg.Origin).Int64("key", int64(msg.Key)).
			Msg("distributed command rejected; acknowledging")
	}

	if err := r.mark(msg.Origin, msg.Key); err != nil {
		return Ack{}, err
	}
	return ack, nil
}

// Seen reports whether a marker exists for (origin, key).
func (r *Receiver) Seen(origin int, key Key) (bool, error) {
	_, ok, err := r.opts.Store.Get(markerPrefix + markerID(origin, key))
	return ok, err
}

func (r *Receiver) mark(origin int, key Key) error {
	id := markerID(origin, key)
	deadline := r.opts.Now() + r.opts.MarkerTTL.Milliseconds()
	if err := r.opts.Store.Put(markerPrefix+id, []byte(strconv.FormatInt(deadline, 10))); err != nil {
		return err
	}
	return r.opts.Store.Put(scheduledtask.DeadlineKey(markerTTLPrefix, deadline, id), nil)
}

// Forget drops the marker named by id together with its index entry.
func (r *Receiver) Forget(id string) error {
	if _, _, err := parseMarkerID(id); err != nil {
		return err
	}
	raw, ok, err := r.opts.Store.Get(markerPrefix + id)
	if err != nil || !ok {
		return err
	}
	deadline, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt marker %s: %w", id, err)
	}
	if err := r.opts.Store.Delete(scheduledtask.DeadlineKey(markerTTLPrefix, deadline, id)); err != nil {
		return err
	}
	return r.opts.Store.Delete(markerPrefix + id)
}

// MarkerSweep returns the expiry sweep that emits OpForgetMarker commands
// for markers past their TTL.
func (r *Receiver) MarkerSweep(cadence scheduledtask.Cadence) (*scheduledtask.ExpirySweep, error) {
	return scheduledtask.NewExpirySweep(scheduledtask.SweepConfig{
		Name:    "distribution-marker-ttl",
		Prefix:  markerTTLPrefix,
		Cadence: cadence,
		Derive: func(e scheduledtask.Expired) (executor.Command, bool) {
			return executor.Command{
				OperationID: OpForgetMarker,
				Kind:        executor.KindCommand,
				Payload:     []byte(e.ID),
			}, true
		},
	})
}
