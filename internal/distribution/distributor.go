// ============================================================================
// Beaver-Engine Command Distributor
// ============================================================================
//
// Package: internal/distribution
// File: distributor.go
//
// Delivers a command issued on one partition to every target partition.
//
// Record lifecycle:
//
//	Distribute ──> every target PENDING ──Advance──> INFLIGHT ──ack──> ACKNOWLEDGED
//	                     ▲                              │
//	                     └──── send error / timeout ────┘  (backoff, attempt budget)
//
//	all targets ACKNOWLEDGED ──> COMPLETED: record deleted, key released
//	budget exhausted         ──> FAILED: target stays PENDING until Resume
//
// Records live in the partition state store, so they survive restarts with
// the rest of the partition state. All methods run on the partition actor;
// send results re-enter it through Options.Runner.
//
// Ordering:
//   Records sharing an ordering key reach a given target in creation order:
//   a record is not sent to a target while an earlier record with the same
//   ordering key is unacknowledged there. Creation order is the record's
//   Seq, not its key, since DistributeWithKey lets callers pick any key.
//
// ============================================================================

package distribution

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/metrics"
	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	recordPrefix = "dist/record/"
	nextKeyKey   = "dist/meta/next-key"
	nextSeqKey   = "dist/meta/next-seq"
)

func recordKey(k Key) string {
	return fmt.Sprintf("%s%020d", recordPrefix, int64(k))
}

// Options configure a Distributor.
type Options struct {
	Partition int
	Store     state.Store
	Sender    Sender
	Topology  Topology
	// Runner schedules fn on the partition actor.
	Runner func(fn func())
	// Now returns the partition's logical clock.
	Now        func() int64
	Retry      RetryPolicy
	AckTimeout time.Duration
	Metrics    *metrics.Collector

	OnComplete func(Record)
	OnFailed   func(Record)
}

// Distributor is the sending side of the protocol for one partition.
type Distributor struct {
	opts   Options
	log    zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
}

// NewDistributor validates opts.
func NewDistributor(opts Options) (*Distributor, error) {
	if opts.Store == nil || opts.Sender == nil || opts.Runner == nil || opts.Now == nil {
		return nil, errors.New("distributor needs a store, a sender, a runner and a clock")
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Distributor{
		opts:   opts,
		log:    log.With().Str("component", "distributor").Int("partition", opts.Partition).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// ============================================================================
// Creating distributions
// ============================================================================

// Distribute records cmd for every target with all targets PENDING and
// returns the allocated key. Completion is observed through state.
func (d *Distributor) Distribute(cmd executor.Command, targets []int, orderingKey string) (Key, error) {
	key, err := d.allocateKey()
	if err != nil {
		return 0, err
	}
	return key, d.create(key, cmd, targets, orderingKey)
}

// DistributeWithKey is Distribute with a caller-chosen key. A key whose
// record is still active is rejected with ErrKeyInUse.
func (d *Distributor) DistributeWithKey(key Key, cmd executor.Command, targets []int, orderingKey string) error {
	if _, ok, err := d.Get(key); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %d", ErrKeyInUse, key)
	}
	if err := d.reserveKey(key); err != nil {
		return err
	}
	return d.create(key, cmd, targets, orderingKey)
}

// DistributeToAll distributes cmd to every other partition in the topology.
func (d *Distributor) DistributeToAll(cmd executor.Command, orderingKey string) (Key, error) {
	if d.opts.Topology == nil {
		return 0, errors.New("distributor has no topology")
	}
	var targets []int
	for _, p := range d.opts.Topology.Partitions() {
		if p != d.opts.Partition {
			targets = append(targets, p)
		}
	}
	return d.Distribute(cmd, targets, orderingKey)
}

func (d *Distributor) create(key Key, cmd executor.Command, targets []int, orderingKey string) error {
	if d.closed {
		return ErrDistributorClosed
	}
	now := d.opts.Now()
	rec := Record{
		Key:         key,
		Origin:      d.opts.Partition,
		Command:     cmd,
		OrderingKey: orderingKey,
		CreatedAt:   now,
		Targets:     newTargets(targets, now),
	}
	if len(rec.Targets) == 0 {
		d.complete(rec)
		return nil
	}
	seq, err := d.next(nextSeqKey)
	if err != nil {
		return err
	}
	rec.Seq = seq
	if err := d.save(rec); err != nil {
		return err
	}
	d.log.Debug().Int64("key", int64(key)).Int("targets", len(rec.Targets)).
		Str("operation", cmd.OperationID).Msg("distribution created")
	return nil
}

func (d *Distributor) allocateKey() (Key, error) {
	next, err := d.next(nextKeyKey)
	return Key(next), err
}

// next returns the counter stored under counterKey and increments it.
// Counters start at 1.
func (d *Distributor) next(counterKey string) (int64, error) {
	n, err := d.peek(counterKey)
	if err != nil {
		return 0, err
	}
	if err := d.opts.Store.Put(counterKey, []byte(strconv.FormatInt(n+1, 10))); err != nil {
		return 0, err
	}
	return n, nil
}

// reserveKey makes sure automatic keys never collide with key.
func (d *Distributor) reserveKey(key Key) error {
	next, err := d.peek(nextKeyKey)
	if err != nil {
		return err
	}
	if int64(key) < next {
		return nil
	}
	return d.opts.Store.Put(nextKeyKey, []byte(strconv.FormatInt(int64(key)+1, 10)))
}

func (d *Distributor) peek(counterKey string) (int64, error) {
	raw, ok, err := d.opts.Store.Get(counterKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 1, nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt distribution counter %s=%q: %w", counterKey, raw, err)
	}
	return n, nil
}

// ============================================================================
// Driver
// ============================================================================

// Advance moves every unacknowledged target forward at logical time now:
// INFLIGHT targets past the ack timeout revert to PENDING, PENDING targets
// whose backoff elapsed and whose ordering predecessors are acknowledged are
// sent.
func (d *Distributor) Advance(now int64) error {
	if d.closed {
		return ErrDistributorClosed
	}
	records, err := d.List()
	if err != nil {
		return err
	}

	// ordering key -> targets with an unacknowledged earlier record
	blocked := make(map[string]map[int]bool)
	var pending, inflight, acked int

	for i := range records {
		rec := &records[i]
		changed := false
		var sends []int

		for j := range rec.Targets {
			t := &rec.Targets[j]
			switch t.Status {
			case StatusInflight:
				if now-t.SentAt >= d.opts.AckTimeout.Milliseconds() {
					d.revert(rec, t, now, "ack timeout")
					changed = true
				}
			case StatusPending:
				if rec.Failed || now < t.NextAttempt || blocked[rec.OrderingKey][t.Partition] {
					break
				}
				t.Status = StatusInflight
				t.Attempts++
				t.SentAt = now
				sends = append(sends, t.Partition)
				changed = true
			}
			if rec.OrderingKey != "" && t.Status != StatusAcknowledged {
				if blocked[rec.OrderingKey] == nil {
					blocked[rec.OrderingKey] = make(map[int]bool)
				}
				blocked[rec.OrderingKey][t.Partition] = true
			}
		}

		if changed {
			if err := d.save(*rec); err != nil {
				return err
			}
		}
		// send after persisting so a completing future sees INFLIGHT
		for _, p := range sends {
			d.send(*rec, *rec.target(p))
		}

		p, f, a := rec.Counts()
		pending, inflight, acked = pending+p, inflight+f, acked+a
	}
	d.opts.Metrics.UpdateDistributionTargets(d.opts.Partition, pending, inflight, acked)
	return nil
}

func (d *Distributor) send(rec Record, t TargetState) {
	msg := Message{
		Origin:  rec.Origin,
		Key:     rec.Key,
		Target:  t.Partition,
		Attempt: t.Attempts,
		Command: rec.Command,
	}
	d.log.Debug().Int64("key", int64(rec.Key)).Int("target", t.Partition).Int("attempt", t.Attempts).Msg("sending distribution")

	fut := d.opts.Sender.Send(d.ctx, t.Partition, msg)
	fut.OnComplete(func(ack Ack, err error) {
		d.opts.Runner(func() { d.onResult(msg, ack, err) })
	})
}

func (d *Distributor) onResult(msg Message, ack Ack, sendErr error) {
	if d.closed {
		return
	}
	rec, ok, err := d.Get(msg.Key)
	if err != nil {
		d.log.Error().Err(err).Int64("key", int64(msg.Key)).Msg("load distribution for result")
		return
	}
	if !ok {
		return
	}
	t := rec.target(msg.Target)
	if t == nil || t.Status == StatusAcknowledged {
		return
	}

	if sendErr != nil {
		// a failure of an older attempt says nothing about the current one
		if t.Status != StatusInflight || t.Attempts != msg.Attempt {
			return
		}
		d.revert(&rec, t, d.opts.Now(), sendErr.Error())
		if err := d.save(rec); err != nil {
			d.log.Error().Err(err).Int64("key", int64(rec.Key)).Msg("persist distribution")
		}
		return
	}

	// any acknowledgement counts: the target applied the command
	t.Status = StatusAcknowledged
	t.LastError = ""
	if ack.Duplicate {
		d.log.Debug().Int64("key", int64(rec.Key)).Int("target", t.Partition).Msg("target already applied distribution")
	}
	if rec.Acknowledged() {
		d.complete(rec)
		return
	}
	if err := d.save(rec); err != nil {
		d.log.Error().Err(err).Int64("key", int64(rec.Key)).Msg("persist distribution")
	}
}

// revert puts an INFLIGHT target back to PENDING, charging the budget.
func (d *Distributor) revert(rec *Record, t *TargetState, now int64, reason string) {
	t.Status = StatusPending
	t.LastError = reason
	t.SentAt = 0
	d.opts.Metrics.RecordDistributionRetry(d.opts.Partition)

	if t.Attempts >= d.opts.Retry.MaxAttempts {
		t.NextAttempt = now
		if !rec.Failed {
			rec.Failed = true
			d.opts.Metrics.RecordDistributionFailed(d.opts.Partition)
			d.log.Error().Int64("key", int64(rec.Key)).Int("target", t.Partition).
				Int("attempts", t.Attempts).Str("reason", reason).
				Msg("distribution exhausted its retry budget; operator resume required")
			if d.opts.OnFailed != nil {
				d.opts.OnFailed(*rec)
			}
		}
		return
	}
	t.NextAttempt = now + d.opts.Retry.Backoff(t.Attempts).Milliseconds()
}

func (d *Distributor) complete(rec Record) {
	if err := d.opts.Store.Delete(recordKey(rec.Key)); err != nil {
		d.log.Error().Err(err).Int64("key", int64(rec.Key)).Msg("delete completed distribution")
		return
	}
	d.opts.Metrics.RecordDistributionCompleted(d.opts.Partition)
	d.log.Debug().Int64("key", int64(rec.Key)).Msg("distribution completed")
	if d.opts.OnComplete != nil {
		d.opts.OnComplete(rec)
	}
}

// ============================================================================
// Operator and membership actions
// ============================================================================

// Resume clears the FAILED flag of a distribution and resets the retry
// budget of its unacknowledged targets.
func (d *Distributor) Resume(key Key) error {
	rec, err := d.mustGet(key)
	if err != nil {
		return err
	}
	if !rec.Failed {
		return fmt.Errorf("%w: %d", ErrNotFailed, key)
	}
	now := d.opts.Now()
	rec.Failed = false
	for i := range rec.Targets {
		if t := &rec.Targets[i]; t.Status == StatusPending {
			t.Attempts = 0
			t.NextAttempt = now
		}
	}
	d.log.Info().Int64("key", int64(key)).Msg("distribution resumed")
	return d.save(rec)
}

// AddTarget adds partition as a PENDING target.
func (d *Distributor) AddTarget(key Key, partition int) error {
	rec, err := d.mustGet(key)
	if err != nil {
		return err
	}
	if rec.target(partition) != nil {
		return nil
	}
	rec.Targets = append(rec.Targets, newTargets([]int{partition}, d.opts.Now())...)
	sortTargets(rec.Targets)
	return d.save(rec)
}

// RemoveTarget drops partition from the target set; the distribution
// completes if every remaining target acknowledged.
func (d *Distributor) RemoveTarget(key Key, partition int) error {
	rec, err := d.mustGet(key)
	if err != nil {
		return err
	}
	kept := rec.Targets[:0]
	for _, t := range rec.Targets {
		if t.Partition != partition {
			kept = append(kept, t)
		}
	}
	rec.Targets = kept
	if rec.Acknowledged() {
		d.complete(rec)
		return nil
	}
	return d.save(rec)
}

// Recover reverts INFLIGHT targets to PENDING after a restart: no ack for
// a send from a previous incarnation can arrive any more.
func (d *Distributor) Recover(now int64) (int, error) {
	records, err := d.List()
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, rec := range records {
		changed := false
		for i := range rec.Targets {
			if t := &rec.Targets[i]; t.Status == StatusInflight {
				t.Status = StatusPending
				t.SentAt = 0
				t.NextAttempt = now
				changed = true
				requeued++
			}
		}
		if changed {
			if err := d.save(rec); err != nil {
				return requeued, err
			}
		}
	}
	return requeued, nil
}

// Close stops accepting results and cancels outstanding sends.
func (d *Distributor) Close() {
	d.closed = true
	d.cancel()
}

// ============================================================================
// Persistence
// ============================================================================

// Get loads the active record for key.
func (d *Distributor) Get(key Key) (Record, bool, error) {
	raw, ok, err := d.opts.Store.Get(recordKey(key))
	if err != nil || !ok {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode distribution %d: %w", key, err)
	}
	return rec, true, nil
}

func (d *Distributor) mustGet(key Key) (Record, error) {
	rec, ok, err := d.Get(key)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %d", ErrUnknownDistribution, key)
	}
	return rec, nil
}

// List returns active records in creation order.
func (d *Distributor) List() ([]Record, error) {
	var records []Record
	var decodeErr error
	err := state.ScanPrefix(d.opts.Store, recordPrefix, "", func(key string, value []byte) bool {
		var rec Record
		if err := json.Unmarshal(value, &rec); err != nil {
			decodeErr = fmt.Errorf("decode distribution %s: %w", key, err)
			return false
		}
		records = append(records, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(records, func(a, b Record) int { return cmp.Compare(a.Seq, b.Seq) })
	return records, decodeErr
}

func (d *Distributor) save(rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return d.opts.Store.Put(recordKey(rec.Key), raw)
}

func sortTargets(ts []TargetState) {
	slices.SortFunc(ts, func(a, b TargetState) int { return cmp.Compare(a.Partition, b.Partition) })
}
