package distribution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/executor"
)

// ============================================================================
// Distribution Type Definitions
// ============================================================================

// Key identifies a distribution on its origin partition. Automatic keys
// increase, but a caller-chosen key may be lower than earlier ones.
type Key int64

// TargetStatus is the delivery state of one target partition.
type TargetStatus string

const (
	StatusPending      TargetStatus = "PENDING"
	StatusInflight     TargetStatus = "INFLIGHT"
	StatusAcknowledged TargetStatus = "ACKNOWLEDGED"
)

// TargetState tracks delivery to one partition.
type TargetState struct {
	Partition   int          `json:"partition"`
	Status      TargetStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	NextAttempt int64        `json:"next_attempt"`
	SentAt      int64        `json:"sent_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// Record is a command that must reach every target partition.
type Record struct {
	Key         Key              `json:"key"`
	Seq         int64            `json:"seq"` // creation sequence on the origin partition
	Origin      int              `json:"origin"`
	Command     executor.Command `json:"command"`
	OrderingKey string           `json:"ordering_key,omitempty"`
	CreatedAt   int64            `json:"created_at"`
	Failed      bool             `json:"failed,omitempty"`
	Targets     []TargetState    `json:"targets"`
}

func (r *Record) target(partition int) *TargetState {
	for i := range r.Targets {
		if r.Targets[i].Partition == partition {
			return &r.Targets[i]
		}
	}
	return nil
}

// Acknowledged reports whether every target acknowledged.
func (r *Record) Acknowledged() bool {
	for _, t := range r.Targets {
		if t.Status != StatusAcknowledged {
			return false
		}
	}
	return true
}

// Counts returns how many targets are in each state.
func (r *Record) Counts() (pending, inflight, acknowledged int) {
	for _, t := range r.Targets {
		switch t.Status {
		case StatusPending:
			pending++
		case StatusInflight:
			inflight++
		case StatusAcknowledged:
			acknowledged++
		}
	}
	return pending, inflight, acknowledged
}

func newTargets(partitions []int, now int64) []TargetState {
	ps := slices.Clone(partitions)
	slices.Sort(ps)
	ps = slices.Compact(ps)
	targets := make([]TargetState, 0, len(ps))
	for _, p := range ps {
		targets = append(targets, TargetState{Partition: p, Status: StatusPending, NextAttempt: now})
	}
	return targets
}

// Message is what travels to a target partition.
type Message struct {
	Origin  int              `json:"origin"`
	Key     Key              `json:"key"`
	Target  int              `json:"target"`
	Attempt int              `json:"attempt"`
	Command executor.Command `json:"command"`
}

// Ack is the target's answer. Duplicate marks a redelivery that was not
// applied again.
type Ack struct {
	Target    int  `json:"target"`
	Key       Key  `json:"key"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// Sender delivers a message to a target partition. The future completes
// off the caller's actor; it must never block the caller.
type Sender interface {
	Send(ctx context.Context, target int, msg Message) *actor.Future[Ack]
}

// Topology supplies the current partition set.
type Topology interface {
	Partitions() []int
}

// RetryPolicy is the per-target retry budget.
type RetryPolicy struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	Factor       float64       `yaml:"factor"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: 100 * time.Millisecond,
		Factor:       2,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}
}

// Validate checks the policy for usable values.
func (p RetryPolicy) Validate() error {
	switch {
	case p.InitialDelay < 0:
		return errors.New("retry initial delay must not be negative")
	case p.Factor < 1:
		return fmt.Errorf("retry factor must be >= 1, got %v", p.Factor)
	case p.MaxDelay < p.InitialDelay:
		return errors.New("retry max delay must be >= initial delay")
	case p.MaxAttempts < 1:
		return errors.New("retry max attempts must be >= 1")
	}
	return nil
}

// Backoff returns min(InitialDelay * Factor^(attempt-1), MaxDelay).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(delay)
}

// 錯誤定義
var (
	ErrKeyInUse            = errors.New("distribution key is still in use")
	ErrUnknownDistribution = errors.New("unknown distribution")
	ErrNotFailed           = errors.New("distribution has not failed")
	ErrDistributorClosed   = errors.New("distributor is closed")
)
