// Package transport carries distribution messages between partitions, either
// inside the process or to a peer node over gRPC.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/beaver-engine/internal/actor"
	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/fault"
)

// Deliverer hands a message to the partition it targets and completes the
// future with that partition's acknowledgement.
type Deliverer interface {
	Deliver(msg distribution.Message) *actor.Future[distribution.Ack]
}

// Local delivers to partitions hosted by this process.
type Local struct {
	target Deliverer
}

// NewLocal creates an in-process sender.
func NewLocal(target Deliverer) *Local {
	return &Local{target: target}
}

// Send implements distribution.Sender.
func (l *Local) Send(ctx context.Context, _ int, msg distribution.Message) *actor.Future[distribution.Ack] {
	if err := ctx.Err(); err != nil {
		return actor.Failed[distribution.Ack](err)
	}
	return l.target.Deliver(msg)
}

// Router sends to a peer node when the target partition is listed in
// Peers and to the local deliverer otherwise.
type Router struct {
	Local  *Local
	Remote *Client
	// Peers maps a remote partition id to its node's transport address.
	Peers map[int]string
}

// ErrAckMismatch fails a send whose acknowledgement names another
// distribution or partition than the message.
var ErrAckMismatch = errors.New("acknowledgement does not match message")

// Send implements distribution.Sender. An acknowledgement for a different
// (target, key) fails the send so the distributor retries it.
func (r *Router) Send(ctx context.Context, target int, msg distribution.Message) *actor.Future[distribution.Ack] {
	var fut *actor.Future[distribution.Ack]
	if addr, ok := r.Peers[target]; ok && r.Remote != nil {
		fut = r.Remote.Send(ctx, addr, msg)
	} else {
		fut = r.Local.Send(ctx, target, msg)
	}
	return actor.ThenApply(fut, func(ack distribution.Ack) (distribution.Ack, error) {
		if ack.Target != msg.Target || ack.Key != msg.Key {
			return distribution.Ack{}, fault.Recoverable(fmt.Errorf("%w: sent %d/%d, acknowledged %d/%d",
				ErrAckMismatch, msg.Target, msg.Key, ack.Target, ack.Key))
		}
		return ack, nil
	})
}

// RemotePartitions returns the partition ids served by peers, sorted.
func (r *Router) RemotePartitions() []int {
	ids := make([]int, 0, len(r.Peers))
	for id := range r.Peers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
