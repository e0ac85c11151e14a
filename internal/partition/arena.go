package partition

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/fault"
)

var (
	ErrUnknownPartition   = errors.New("unknown partition")
	ErrDuplicatePartition = errors.New("partition already in arena")
)

// Arena holds the partitions of one node. It is the topology the
// distributors see and the entry point for delivering messages to local
// partitions.
type Arena struct {
	mu     sync.RWMutex
	local  map[int]*Partition
	remote []int
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{local: make(map[int]*Partition)}
}

// Add registers a local partition.
func (a *Arena) Add(p *Partition) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.local[p.ID()]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicatePartition, p.ID())
	}
	a.local[p.ID()] = p
	return nil
}

// SetRemote records the partitions served by other nodes.
func (a *Arena) SetRemote(ids []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remote = slices.Clone(ids)
}

// Get returns the local partition with id.
func (a *Arena) Get(id int) (*Partition, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.local[id]
	return p, ok
}

// Local returns the local partitions ordered by id.
func (a *Arena) Local() []*Partition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Partition, 0, len(a.local))
	for _, p := range a.local {
		out = append(out, p)
	}
	slices.SortFunc(out, func(x, y *Partition) int { return x.ID() - y.ID() })
	return out
}

// Partitions implements distribution.Topology: every local and remote
// partition id, sorted.
func (a *Arena) Partitions() []int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]int, 0, len(a.local)+len(a.remote))
	for id := range a.local {
		ids = append(ids, id)
	}
	ids = append(ids, a.remote...)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Deliver routes msg to its local target partition.
func (a *Arena) Deliver(msg distribution.Message) *actor.Future[distribution.Ack] {
	p, ok := a.Get(msg.Target)
	if !ok {
		return actor.Failed[distribution.Ack](fault.Recoverable(fmt.Errorf("%w: %d", ErrUnknownPartition, msg.Target)))
	}
	return p.Deliver(msg)
}

// StartAll starts every local partition in id order.
func (a *Arena) StartAll(ctx context.Context) error {
	for _, p := range a.Local() {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start partition %d: %w", p.ID(), err)
		}
	}
	return nil
}

// CloseAll closes every local partition and joins the errors.
func (a *Arena) CloseAll(ctx context.Context) error {
	var errs []error
	for _, p := range a.Local() {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close partition %d: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}
