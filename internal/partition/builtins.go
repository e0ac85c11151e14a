package partition

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/beaver-engine/internal/distribution"
	"github.com/ChuLiYu/beaver-engine/internal/executor"
	"github.com/ChuLiYu/beaver-engine/internal/fault"
	"github.com/ChuLiYu/beaver-engine/internal/scheduledtask"
)

// Built-in operations every partition serves.
const (
	OpPut       = "kv.put"
	OpDelete    = "kv.delete"
	OpGet       = "kv.get"
	OpBroadcast = "kv.broadcast"
	OpExpire    = "kv.expire"
)

const (
	kvDataPrefix     = "kv/data/"
	kvDeadlinePrefix = "kv/deadline/"
	kvTTLPrefix      = "kv/ttl/"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrEmptyKey    = errors.New("key must not be empty")
)

// PutRequest is the payload of kv.put and kv.broadcast. A positive TTL
// expires the key TTL milliseconds after the command's logical time.
type PutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	TTL   int64  `json:"ttl_ms,omitempty"`
}

// KeyRequest is the payload of kv.get and kv.delete.
type KeyRequest struct {
	Key string `json:"key"`
}

type expireRequest struct {
	Key      string `json:"key"`
	Deadline int64  `json:"deadline"`
}

func (p *Partition) registerBuiltins() error {
	ops := []struct {
		id      string
		kind    executor.Kind
		handler executor.Handler
	}{
		{OpPut, executor.KindCommand, p.handlePut},
		{OpDelete, executor.KindCommand, p.handleDelete},
		{OpGet, executor.KindQuery, p.handleGet},
		{OpBroadcast, executor.KindCommand, p.handleBroadcast},
		{OpExpire, executor.KindCommand, p.handleExpire},
		{distribution.OpForgetMarker, executor.KindCommand, p.handleForget},
	}
	for _, op := range ops {
		if err := p.exec.Register(op.id, op.kind, op.handler); err != nil {
			return err
		}
	}
	return nil
}

func decodePayload[T any](raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// storeErr marks state store failures retryable.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fault.Recoverable(err)
}

func (p *Partition) put(req PutRequest, now int64) error {
	if req.Key == "" {
		return ErrEmptyKey
	}
	if err := p.clearTTL(req.Key); err != nil {
		return err
	}
	if err := p.store.Put(kvDataPrefix+req.Key, []byte(req.Value)); err != nil {
		return storeErr(err)
	}
	if req.TTL <= 0 {
		return nil
	}
	deadline := now + req.TTL
	if err := p.store.Put(kvDeadlinePrefix+req.Key, []byte(strconv.FormatInt(deadline, 10))); err != nil {
		return storeErr(err)
	}
	return storeErr(p.store.Put(scheduledtask.DeadlineKey(kvTTLPrefix, deadline, req.Key), nil))
}

// clearTTL drops the expiry of key, if any.
func (p *Partition) clearTTL(key string) error {
	raw, ok, err := p.store.Get(kvDeadlinePrefix + key)
	if err != nil || !ok {
		return storeErr(err)
	}
	deadline, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return fmt.Errorf("corrupt deadline of %q: %w", key, err)
	}
	if err := p.store.Delete(scheduledtask.DeadlineKey(kvTTLPrefix, deadline, key)); err != nil {
		return storeErr(err)
	}
	return storeErr(p.store.Delete(kvDeadlinePrefix + key))
}

func (p *Partition) handlePut(ic executor.InvocationContext) ([]byte, error) {
	req, err := decodePayload[PutRequest](ic.Command.Payload)
	if err != nil {
		return nil, err
	}
	return nil, p.put(req, ic.Timestamp)
}

func (p *Partition) handleDelete(ic executor.InvocationContext) ([]byte, error) {
	req, err := decodePayload[KeyRequest](ic.Command.Payload)
	if err != nil {
		return nil, err
	}
	if err := p.clearTTL(req.Key); err != nil {
		return nil, err
	}
	return nil, storeErr(p.store.Delete(kvDataPrefix + req.Key))
}

func (p *Partition) handleGet(ic executor.InvocationContext) ([]byte, error) {
	req, err := decodePayload[KeyRequest](ic.Command.Payload)
	if err != nil {
		return nil, err
	}
	value, ok, err := p.store.Get(kvDataPrefix + req.Key)
	if err != nil {
		return nil, storeErr(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, req.Key)
	}
	return value, nil
}

// handleBroadcast writes the key locally and distributes the same put to
// every other partition. Puts of one key reach each target in order.
func (p *Partition) handleBroadcast(ic executor.InvocationContext) ([]byte, error) {
	req, err := decodePayload[PutRequest](ic.Command.Payload)
	if err != nil {
		return nil, err
	}
	if err := p.put(req, ic.Timestamp); err != nil {
		return nil, err
	}
	cmd := executor.Command{OperationID: OpPut, Kind: executor.KindCommand, Payload: ic.Command.Payload}
	key, err := p.dist.DistributeToAll(cmd, "kv/"+req.Key)
	if err != nil {
		return nil, storeErr(err)
	}
	return []byte(strconv.FormatInt(int64(key), 10)), nil
}

// handleExpire removes a key whose deadline passed. A key rewritten since
// the sweep saw it carries a different deadline and is kept.
func (p *Partition) handleExpire(ic executor.InvocationContext) ([]byte, error) {
	req, err := decodePayload[expireRequest](ic.Command.Payload)
	if err != nil {
		return nil, err
	}
	raw, ok, err := p.store.Get(kvDeadlinePrefix + req.Key)
	if err != nil {
		return nil, storeErr(err)
	}
	if !ok || string(raw) != strconv.FormatInt(req.Deadline, 10) {
		return nil, storeErr(p.store.Delete(scheduledtask.DeadlineKey(kvTTLPrefix, req.Deadline, req.Key)))
	}
	if err := p.clearTTL(req.Key); err != nil {
		return nil, err
	}
	return nil, storeErr(p.store.Delete(kvDataPrefix + req.Key))
}

func (p *Partition) handleForget(ic executor.InvocationContext) ([]byte, error) {
	return nil, p.recv.Forget(string(ic.Command.Payload))
}

// ============================================================================
// Housekeeping
// ============================================================================

func (p *Partition) keyExpirySweep() (*scheduledtask.ExpirySweep, error) {
	return scheduledtask.NewExpirySweep(scheduledtask.SweepConfig{
		Name:    "kv-ttl",
		Prefix:  kvTTLPrefix,
		Cadence: p.cfg.SweepCadence,
		Derive: func(e scheduledtask.Expired) (executor.Command, bool) {
			payload, err := json.Marshal(expireRequest{Key: e.ID, Deadline: e.Deadline})
			if err != nil {
				return executor.Command{}, false
			}
			return executor.Command{OperationID: OpExpire, Kind: executor.KindCommand, Payload: payload}, true
		},
	})
}

// startHousekeeping registers the expiry sweeps on the executor clock.
func (p *Partition) startHousekeeping() error {
	markers, err := p.recv.MarkerSweep(p.cfg.SweepCadence)
	if err != nil {
		return err
	}
	keys, err := p.keyExpirySweep()
	if err != nil {
		return err
	}
	first := p.cfg.SweepCadence(p.exec.Now())
	for _, task := range []scheduledtask.Task{markers, keys} {
		if err := p.tasks.Register(task, first); err != nil {
			return fmt.Errorf("register %s: %w", task.Name(), err)
		}
	}
	return nil
}
