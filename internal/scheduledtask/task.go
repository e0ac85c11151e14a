package scheduledtask

import (
	"time"

	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/state"
)

// Batch is the list of follow-up commands produced by one task run.
type Batch []executor.Command

// Decision tells the service when to run a task again.
type Decision struct {
	delay time.Duration
}

// Continue re-runs the task on the next tick. It is timed exactly like
// Delayed(0).
func Continue() Decision { return Decision{} }

// Delayed re-runs the task no earlier than now+d.
func Delayed(d time.Duration) Decision {
	if d < 0 {
		d = 0
	}
	return Decision{delay: d}
}

// Delay returns the wait before the next run.
func (d Decision) Delay() time.Duration { return d.delay }

// IsContinue reports whether the task asked to run again right away.
func (d Decision) IsContinue() bool { return d.delay == 0 }

func (d Decision) String() string {
	if d.IsContinue() {
		return "continue"
	}
	return "delayed(" + d.delay.String() + ")"
}

// BatchBuilder collects follow-up commands up to a fixed limit.
type BatchBuilder struct {
	limit int
	cmds  Batch
}

// NewBatchBuilder returns a builder that holds at most limit commands.
// A limit below one is raised to one.
func NewBatchBuilder(limit int) *BatchBuilder {
	if limit < 1 {
		limit = 1
	}
	return &BatchBuilder{limit: limit}
}

// Append adds cmd and reports whether it fit.
func (b *BatchBuilder) Append(cmd executor.Command) bool {
	if !b.CanAppend() {
		return false
	}
	b.cmds = append(b.cmds, cmd)
	return true
}

func (b *BatchBuilder) CanAppend() bool { return len(b.cmds) < b.limit }

func (b *BatchBuilder) Len() int { return len(b.cmds) }

func (b *BatchBuilder) Limit() int { return b.limit }

// Build returns the collected commands.
func (b *BatchBuilder) Build() Batch { return b.cmds }

// Context is what a task sees during one run.
type Context struct {
	state       state.Reader
	batch       *BatchBuilder
	now         int64
	cursorReset bool
}

// NewContext builds a run context. The service creates one per run; tests
// may build their own.
func NewContext(r state.Reader, batchLimit int, now int64) *Context {
	return &Context{state: r, batch: NewBatchBuilder(batchLimit), now: now}
}

// State gives read access to the partition state.
func (c *Context) State() state.Reader { return c.state }

// Batch returns the bounded builder for follow-up commands.
func (c *Context) Batch() *BatchBuilder { return c.batch }

// Now returns the logical clock in Unix milliseconds.
func (c *Context) Now() int64 { return c.now }

// MarkCursorReset records that the task completed a full pass.
func (c *Context) MarkCursorReset() { c.cursorReset = true }

// CursorReset reports whether MarkCursorReset was called.
func (c *Context) CursorReset() bool { return c.cursorReset }

// Task is a resumable, idempotent background job. Runs of one task never
// overlap.
type Task interface {
	Name() string
	Execute(ctx *Context) (Batch, Decision)
}
