// ============================================================================
// Beaver-Engine Partition
// ============================================================================
//
// Package: internal/partition
// File: partition.go
//
// A partition owns one slice of engine state and everything that mutates it:
//   - actor: 所有狀態變更都在 partition actor 上執行（單一邏輯執行緒）
//   - executor: 以 log position 套用 command，並依邏輯時鐘觸發 callback
//   - WAL: 每個 COMMAND 先寫入日誌再套用（Write-Ahead）
//   - snapshot: 定期保存 state store 內容，加速恢復
//   - scheduled tasks: 過期掃描產生 follow-up command
//   - distributor / receiver: 跨 partition 的 command 傳遞
//
// Startup (on the actor):
//   1. load snapshot → store.Import, executor.Restore
//   2. replay WAL after the snapshot position (no logging, no sending)
//   3. requeue INFLIGHT distribution targets
//   4. register housekeeping tasks and the distribution driver, start ticking
//
// Nothing outside the actor touches partition state; callers get futures.
//
// ============================================================================

package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/scheduledtask"
	"github.com/ChuLiYu/beaver-engine/internal/snapshot"
	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/ChuLiYu/beaver-engine/internal/storage/wal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrPartitionClosed = errors.New("partition is closed")
	ErrAlreadyStarted  = errors.New("partition already started")
	ErrWrongPartition  = errors.New("snapshot belongs to another partition")
)

// Result is the outcome of a submitted command or query.
type Result struct {
	Position int64  `json:"position"`
	Value    []byte `json:"value,omitempty"`
}

// Status is a point-in-time view of a partition.
type Status struct {
	ID            int      `json:"id"`
	Position      int64    `json:"position"`
	Clock         int64    `json:"clock"`
	Timers        int      `json:"timers"`
	Tasks         []string `json:"tasks"`
	Distributions int      `json:"distributions"`
	Failed        int      `json:"failed_distributions"`
	Keys          int      `json:"keys"`
}

// Partition is one actor-owned shard of the engine.
type Partition struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	actor     *actor.Actor
	store     state.Store
	exec      *executor.Executor
	wal       *wal.WAL
	snapshots *snapshot.Manager
	tasks     *scheduledtask.Service
	dist      *distribution.Distributor
	recv      *distribution.Receiver

	// replay is the event being replayed; nil while live.
	replay     *wal.Event
	cancelTick func()
	started    bool
	recovered  bool // a snapshot is only written once recovery finished
	closed     bool
}

// New opens the partition's files and wires its components. The partition
// does nothing until Start.
func New(cfg Config, deps Deps) (*Partition, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Scheduler == nil || deps.Sender == nil || deps.Clock == nil {
		return nil, errors.New("partition needs a scheduler, a sender and a clock")
	}

	dir := Dir(cfg.DataDir, cfg.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partition dir: %w", err)
	}
	store, err := openStore(cfg.Storage, dir)
	if err != nil {
		return nil, err
	}
	w, err := wal.NewWAL(filepath.Join(dir, "wal.log"), cfg.SyncOnAppend)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	p := &Partition{
		cfg:       cfg,
		deps:      deps,
		log:       log.With().Str("component", "partition").Int("partition", cfg.ID).Logger(),
		store:     store,
		wal:       w,
		snapshots: snapshot.NewManager(filepath.Join(dir, "snapshot.json")),
		exec:      executor.New(executor.Options{Partition: cfg.ID, Metrics: deps.Metrics}),
	}
	if err := p.wire(); err != nil {
		w.Close()
		store.Close()
		return nil, err
	}
	return p, nil
}

func openStore(kind, dir string) (state.Store, error) {
	if kind == StorageSQLite {
		return state.OpenSQLite(filepath.Join(dir, "state.db"))
	}
	return state.NewMemoryStore(), nil
}

func (p *Partition) wire() error {
	var err error
	p.dist, err = distribution.NewDistributor(distribution.Options{
		Partition:  p.cfg.ID,
		Store:      p.store,
		Sender:     p.deps.Sender,
		Topology:   p.deps.Topology,
		Runner:     p.runLater,
		Now:        p.now,
		Retry:      p.cfg.Retry,
		AckTimeout: p.cfg.AckTimeout,
		Metrics:    p.deps.Metrics,
	})
	if err != nil {
		return err
	}
	p.recv, err = distribution.NewReceiver(distribution.ReceiverOptions{
		Partition: p.cfg.ID,
		Store:     p.store,
		Apply:     p.applyDistributed,
		Now:       p.now,
		MarkerTTL: p.cfg.MarkerTTL,
		Metrics:   p.deps.Metrics,
	})
	if err != nil {
		return err
	}
	p.tasks, err = scheduledtask.NewService(scheduledtask.Options{
		Partition:  p.cfg.ID,
		Timers:     p.exec,
		State:      p.store,
		Sink:       p.sink,
		BatchLimit: p.cfg.BatchLimit,
		RetryDelay: p.cfg.TaskRetryDelay,
		Metrics:    p.deps.Metrics,
	})
	if err != nil {
		return err
	}
	p.actor = actor.New(actor.Options{
		Name:     fmt.Sprintf("partition-%d", p.cfg.ID),
		Priority: p.cfg.Priority,
		OnClose:  p.shutdown,
		OnFailure: func(err error) {
			p.log.Error().Err(err).Msg("partition job failed")
		},
	})
	return p.registerBuiltins()
}

// ID returns the partition id.
func (p *Partition) ID() int { return p.cfg.ID }

// Register binds a user operation. It must be called before Start.
func (p *Partition) Register(opID string, kind executor.Kind, handler executor.Handler) error {
	if p.started {
		return ErrAlreadyStarted
	}
	return p.exec.Register(opID, kind, handler)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start submits the partition actor and recovers state on it. It returns
// once recovery finished.
func (p *Partition) Start(ctx context.Context) error {
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	if err := p.deps.Scheduler.Submit(p.actor); err != nil {
		return err
	}
	_, err := actor.Call(p.actor, func() (struct{}, error) {
		return struct{}{}, p.recover()
	}).Join(ctx)
	return err
}

// Close takes a final snapshot and releases the partition's resources on
// its own actor turn.
func (p *Partition) Close(ctx context.Context) error {
	if !p.started {
		// the actor never ran, so OnClose will not either
		p.deps.Scheduler.Close(p.actor)
		p.shutdown()
		return nil
	}
	_, err := p.deps.Scheduler.Close(p.actor).Join(ctx)
	return err
}

// shutdown runs as the actor's OnClose hook.
func (p *Partition) shutdown() {
	if p.closed {
		return
	}
	p.closed = true
	if p.cancelTick != nil {
		p.cancelTick()
	}
	p.tasks.Close()
	p.dist.Close()
	if p.recovered {
		if err := p.takeSnapshot(); err != nil {
			p.log.Error().Err(err).Msg("Failed to take final snapshot")
		}
	}
	p.exec.Close()
	if err := p.wal.Close(); err != nil {
		p.log.Error().Err(err).Msg("Failed to close WAL")
	}
	if err := p.store.Close(); err != nil {
		p.log.Error().Err(err).Msg("Failed to close state store")
	}
	p.log.Info().Msg("partition closed")
}

// runLater queues fn on the partition actor; the distributor uses it to
// bring send results back.
func (p *Partition) runLater(fn func()) {
	if err := p.actor.Run(fn); err != nil {
		p.log.Debug().Err(err).Msg("dropping job for closed partition")
	}
}

// now is the logical time handlers observe: the replayed event's timestamp
// during replay, the executor clock otherwise.
func (p *Partition) now() int64 {
	if p.replay != nil {
		return p.replay.Timestamp
	}
	return p.exec.Now()
}

// ============================================================================
// Ticking
// ============================================================================

func (p *Partition) tick() {
	if p.closed {
		return
	}
	if err := p.exec.Tick(p.deps.Clock.NowMillis()); err != nil {
		p.log.Warn().Err(err).Msg("tick finished with failed callbacks")
	}
	p.armTick()
}

// armTick schedules the next tick at the earliest due callback, but no
// later than TickInterval.
func (p *Partition) armTick() {
	if p.closed {
		return
	}
	if p.cancelTick != nil {
		p.cancelTick()
	}
	delay := p.cfg.TickInterval
	if due, ok := p.exec.NextDue(); ok {
		until := time.Duration(due-p.deps.Clock.NowMillis()) * time.Millisecond
		if until < delay {
			delay = max(until, 0)
		}
	}
	p.cancelTick = p.actor.RunDelayed(delay, p.tick)
}

// Tick runs one tick now instead of waiting for the timer.
func (p *Partition) Tick() *actor.Future[struct{}] {
	return actor.Call(p.actor, func() (struct{}, error) {
		if p.closed {
			return struct{}{}, ErrPartitionClosed
		}
		p.tick()
		return struct{}{}, nil
	})
}

func (p *Partition) scheduleAdvance() {
	_, err := p.exec.Schedule(p.cfg.AdvanceInterval, func() error {
		defer p.scheduleAdvance()
		return p.dist.Advance(p.exec.Now())
	})
	if err != nil && !errors.Is(err, executor.ErrExecutorClosed) {
		p.log.Error().Err(err).Msg("failed to schedule distribution driver")
	}
}

func (p *Partition) scheduleSnapshots() {
	if p.cfg.SnapshotInterval <= 0 {
		return
	}
	_, err := p.exec.Schedule(p.cfg.SnapshotInterval, func() error {
		defer p.scheduleSnapshots()
		return p.takeSnapshot()
	})
	if err != nil && !errors.Is(err, executor.ErrExecutorClosed) {
		p.log.Error().Err(err).Msg("failed to schedule snapshots")
	}
}

// ============================================================================
// Applying commands
// ============================================================================

// apply logs a COMMAND (unless replaying) and applies it at the logged
// position. Queries are applied at the current position and never logged.
// A command without a kind is a COMMAND.
func (p *Partition) apply(typ wal.EventType, cmd executor.Command, caller string, logged []byte) (Result, error) {
	if p.closed {
		return Result{}, ErrPartitionClosed
	}
	if cmd.Kind == 0 {
		cmd.Kind = executor.KindCommand
	}
	if cmd.Kind == executor.KindQuery {
		value, err := p.exec.Apply(executor.InvocationContext{
			Position:  p.exec.LastPosition(),
			Command:   cmd,
			Caller:    caller,
			Timestamp: p.now(),
		})
		return Result{Position: p.exec.LastPosition(), Value: value}, err
	}

	// whatever the executor would refuse never reaches the log, so replay
	// sees exactly the commands that were applied live
	if p.replay == nil {
		if err := p.exec.Check(cmd); err != nil {
			return Result{}, err
		}
	}

	var event wal.Event
	if p.replay != nil {
		event = *p.replay
	} else {
		if logged == nil {
			logged = cmd.Payload
		}
		var err error
		event, err = p.wal.Append(wal.Event{
			Type:        typ,
			OperationID: cmd.OperationID,
			Kind:        cmd.Kind.String(),
			Caller:      caller,
			Timestamp:   p.exec.Now(),
			Payload:     logged,
		})
		if err != nil {
			return Result{}, fmt.Errorf("failed to append %s event: %w", typ, err)
		}
	}

	value, err := p.exec.Apply(executor.InvocationContext{
		Position:  event.Position,
		Command:   cmd,
		Caller:    event.Caller,
		Timestamp: event.Timestamp,
	})
	return Result{Position: event.Position, Value: value}, err
}

func (p *Partition) applyDistributed(msg distribution.Message) error {
	logged, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	_, err = p.apply(wal.EventDistributed, msg.Command, fmt.Sprintf("partition-%d", msg.Origin), logged)
	return err
}

// sink logs and applies the follow-up commands of a scheduled task run.
// Handler rejections are logged; anything else stops the batch so the task
// retries it.
func (p *Partition) sink(task string, batch scheduledtask.Batch) error {
	for _, cmd := range batch {
		_, err := p.apply(wal.EventFollowUp, cmd, "task:"+task, nil)
		var perr *executor.ProcessingError
		switch {
		case err == nil:
		case errors.As(err, &perr):
			p.log.Warn().Err(err).Str("task", task).Msg("follow-up command rejected")
		default:
			return err
		}
	}
	return nil
}

// Submit logs and applies cmd on the partition actor.
func (p *Partition) Submit(cmd executor.Command, caller string) *actor.Future[Result] {
	return actor.Call(p.actor, func() (Result, error) {
		return p.apply(wal.EventCommand, cmd, caller, nil)
	})
}

// Deliver hands a distributed command to the receiver on the partition
// actor.
func (p *Partition) Deliver(msg distribution.Message) *actor.Future[distribution.Ack] {
	return actor.Call(p.actor, func() (distribution.Ack, error) {
		if p.closed {
			return distribution.Ack{}, ErrPartitionClosed
		}
		return p.recv.Receive(msg)
	})
}

// ============================================================================
// Introspection and operator actions
// ============================================================================

// Status reports position, clock and queue sizes.
func (p *Partition) Status() *actor.Future[Status] {
	return actor.Call(p.actor, func() (Status, error) {
		if p.closed {
			return Status{}, ErrPartitionClosed
		}
		records, err := p.dist.List()
		if err != nil {
			return Status{}, err
		}
		keys, err := state.Count(p.store, kvDataPrefix)
		if err != nil {
			return Status{}, err
		}
		st := Status{
			ID:            p.cfg.ID,
			Position:      p.exec.LastPosition(),
			Clock:         p.exec.Now(),
			Timers:        p.exec.Pending(),
			Tasks:         p.tasks.Tasks(),
			Distributions: len(records),
			Keys:          keys,
		}
		for _, r := range records {
			if r.Failed {
				st.Failed++
			}
		}
		return st, nil
	})
}

// Distributions lists the active distribution records.
func (p *Partition) Distributions() *actor.Future[[]distribution.Record] {
	return actor.Call(p.actor, func() ([]distribution.Record, error) {
		if p.closed {
			return nil, ErrPartitionClosed
		}
		return p.dist.List()
	})
}

// Resume restarts a failed distribution.
func (p *Partition) Resume(key distribution.Key) *actor.Future[struct{}] {
	return actor.Call(p.actor, func() (struct{}, error) {
		if p.closed {
			return struct{}{}, ErrPartitionClosed
		}
		return struct{}{}, p.dist.Resume(key)
	})
}

// Snapshot writes a snapshot now and rotates the WAL.
func (p *Partition) Snapshot() *actor.Future[int64] {
	return actor.Call(p.actor, func() (int64, error) {
		if p.closed {
			return 0, ErrPartitionClosed
		}
		return p.exec.LastPosition(), p.takeSnapshot()
	})
}
