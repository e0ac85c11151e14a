// Package clock provides the single source of "now" for a partition.
//
// Every timestamp that influences processing (executor ticks, distribution
// timeouts, housekeeping cadence) is read from a Clock handed to the
// partition at construction. Production wires System, tests wire Manual.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current logical time in Unix milliseconds.
type Clock interface {
	NowMillis() int64
}

// System reads the operating system clock.
type System struct{}

// NowMillis implements Clock.
func (System) NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual creates a manual clock starting at start.
func NewManual(start int64) *Manual {
	return &Manual{now: start}
}

// NowMillis implements Clock.
func (m *Manual) NowMillis() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backwards is allowed here; consumers
// such as the executor keep their own monotonic view.
func (m *Manual) Set(t int64) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (m *Manual) Advance(d time.Duration) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += d.Milliseconds()
	return m.now
}
