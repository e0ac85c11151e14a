package scheduledtask

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/state"
	"github.com/robfig/cron/v3"
)

const deadlineDigits = 20

// DeadlineKey builds an index key that sorts by deadline, then id.
// Negative deadlines are clamped to zero.
func DeadlineKey(prefix string, deadline int64, id string) string {
	if deadline < 0 {
		deadline = 0
	}
	return fmt.Sprintf("%s%0*d/%s", prefix, deadlineDigits, deadline, id)
}

// ParseDeadlineKey is the inverse of DeadlineKey.
func ParseDeadlineKey(prefix, key string) (deadline int64, id string, err error) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || len(rest) < deadlineDigits+1 || rest[deadlineDigits] != '/' {
		return 0, "", fmt.Errorf("malformed deadline key %q", key)
	}
	deadline, err = strconv.ParseInt(rest[:deadlineDigits], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("malformed deadline key %q: %w", key, err)
	}
	return deadline, rest[deadlineDigits+1:], nil
}

// Cadence computes the normal wait between full passes from the logical
// clock.
type Cadence func(now int64) time.Duration

// Every returns a fixed cadence.
func Every(d time.Duration) Cadence {
	return func(int64) time.Duration { return d }
}

// CronCadence waits until the next activation of a standard cron
// expression, evaluated in UTC against the logical clock.
func CronCadence(expr string) (Cadence, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return func(now int64) time.Duration {
		t := time.UnixMilli(now).UTC()
		return sched.Next(t).Sub(t)
	}, nil
}

// Expired is an index entry whose deadline has passed.
type Expired struct {
	Key      string
	ID       string
	Deadline int64
	Value    []byte
}

// Cursor remembers where the previous run stopped.
type Cursor struct {
	Key          string
	LastID       string
	LastDeadline int64
	hasLast      bool
}

func (c Cursor) repeats(id string, deadline int64) bool {
	return c.hasLast && c.LastID == id && c.LastDeadline == deadline
}

// SweepConfig configures an ExpirySweep.
type SweepConfig struct {
	Name    string
	Prefix  string
	Cadence Cadence
	// Derive turns an expired entry into its follow-up command. Returning
	// false skips the entry.
	Derive func(e Expired) (executor.Command, bool)
}

// ExpirySweep scans a deadline index and emits a follow-up command for each
// expired entry, in bounded batches.
//
// When the batch fills while expired entries remain, the cursor stays on
// the last emitted entry and the sweep returns Continue; otherwise the
// cursor resets and the sweep waits for its cadence. Scanning resumes
// inclusively at the cursor, and an entry identical to the last emitted one
// is skipped, so a repeated run does not emit it twice.
type ExpirySweep struct {
	cfg    SweepConfig
	cursor Cursor
}

// NewExpirySweep validates cfg.
func NewExpirySweep(cfg SweepConfig) (*ExpirySweep, error) {
	if cfg.Name == "" || cfg.Prefix == "" || cfg.Derive == nil {
		return nil, fmt.Errorf("expiry sweep needs a name, a prefix and a derive function")
	}
	if cfg.Cadence == nil {
		cfg.Cadence = Every(time.Second)
	}
	return &ExpirySweep{cfg: cfg}, nil
}

func (s *ExpirySweep) Name() string { return s.cfg.Name }

// Cursor returns the remembered scan position.
func (s *ExpirySweep) Cursor() Cursor { return s.cursor }

func (s *ExpirySweep) Execute(ctx *Context) (Batch, Decision) {
	now := ctx.Now()
	batch := ctx.Batch()
	next := s.cursor
	full := false

	err := state.ScanPrefix(ctx.State(), s.cfg.Prefix, s.cursor.Key, func(key string, value []byte) bool {
		deadline, id, err := ParseDeadlineKey(s.cfg.Prefix, key)
		if err != nil {
			return true
		}
		if deadline > now {
			return false
		}
		if s.cursor.repeats(id, deadline) {
			return true
		}
		if !batch.CanAppend() {
			full = true
			return false
		}
		cmd, ok := s.cfg.Derive(Expired{Key: key, ID: id, Deadline: deadline, Value: value})
		if !ok {
			return true
		}
		batch.Append(cmd)
		next = Cursor{Key: key, LastID: id, LastDeadline: deadline, hasLast: true}
		return true
	})
	if err != nil {
		// what was emitted before the failure goes out with this run; the
		// next one resumes after it
		s.cursor = next
		return batch.Build(), Delayed(s.cfg.Cadence(now))
	}

	if full {
		s.cursor = next
		return batch.Build(), Continue()
	}
	s.cursor = Cursor{}
	ctx.MarkCursorReset()
	return batch.Build(), Delayed(s.cfg.Cadence(now))
}
