package storemanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"gridkv/internal/common"
	"gridkv/internal/lockmanager"
	"gridkv/internal/processor"
	"gridkv/internal/query"
	"gridkv/internal/store"
	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"go.uber.org/multierr"
)

// preparedTx is a transaction that passed the first commit phase here. Its
// partitions stay entered until Commit or Release.
type preparedTx struct {
	view       *topology.View
	writes     []transport.Write
	partitions []*store.Partition
}

// handler serves the node protocol for the partitions hosted by sm.
type handler struct {
	sm *StoreManager
}

// partitionOf returns the hosted partition of key after checking that the
// caller's topology matches and that the partition is serving.
func (sm *StoreManager) partitionOf(topVer uint64, key string) (*store.Partition, error) {
	v, err := sm.view(topVer)
	if err != nil {
		return nil, err
	}
	pid := v.PartitionOf(key)
	if owner := v.Owner(pid); owner != sm.nodeID {
		return nil, sm.mismatch(v.Version(), "partition %d of %q is owned by %s", pid, key, owner)
	}
	p, ok := sm.store.Partition(pid)
	if !ok || p.State() != store.Ready {
		return nil, sm.mismatch(v.Version(), "partition %d is not ready", pid)
	}
	return p, nil
}

// exclusive runs fn on the partition of key while holding the key lock of a
// single-key mutation.
func (sm *StoreManager) exclusive(ctx context.Context, topVer uint64, key string, fn func(p *store.Partition) error) error {
	p, err := sm.partitionOf(topVer, key)
	if err != nil {
		return err
	}

	owner := newOpOwner()
	if err := p.Locks().AcquireLock(ctx, owner, key, lockmanager.WriteLock, sm.cfg.LockTimeout); err != nil {
		return sm.lockError(err, key)
	}
	defer func() {
		if err := p.Locks().ReleaseLock(owner, key); err != nil {
			slog.Error("release key lock", "key", key, "error", err)
		}
	}()

	if !p.Enter() {
		return sm.mismatch(topVer, "partition %d moved while waiting for %q", p.ID, key)
	}
	defer p.Leave()

	return fn(p)
}

func (sm *StoreManager) invokeLocal(ctx context.Context, topVer uint64, key string, proc processor.Processor, args json.RawMessage) (json.RawMessage, error) {
	var ret json.RawMessage
	err := sm.exclusive(ctx, topVer, key, func(p *store.Partition) error {
		p.CountInvoke()
		e, found, _ := p.Get(key)
		result, m, err := processor.Execute(proc, key, e.Value, found, args)
		if err != nil {
			return err
		}
		switch {
		case !m.Changed:
		case m.Remove:
			p.Delete(key)
		default:
			p.Put(key, m.Value)
		}
		ret = result
		return nil
	})
	return ret, err
}

func (h *handler) Get(_ context.Context, req transport.GetRequest) (transport.Read, error) {
	p, err := h.sm.partitionOf(req.TopologyVersion, req.Key)
	if err != nil {
		return transport.Read{}, err
	}
	e, found, version := p.Get(req.Key)
	return transport.Read{Key: req.Key, Value: e.Value, Version: version, Found: found}, nil
}

func (h *handler) Update(ctx context.Context, req transport.UpdateRequest) (transport.UpdateResponse, error) {
	var resp transport.UpdateResponse
	err := h.sm.exclusive(ctx, req.TopologyVersion, req.Key, func(p *store.Partition) error {
		old, found, version := p.Get(req.Key)
		resp.Previous = transport.Read{Key: req.Key, Value: old.Value, Version: version, Found: found}
		if req.Remove {
			p.Delete(req.Key)
		} else {
			p.Put(req.Key, req.Value)
		}
		return nil
	})
	return resp, err
}

func (h *handler) Invoke(ctx context.Context, req transport.InvokeRequest) (transport.InvokeResponse, error) {
	proc, ok := processor.Lookup(req.Processor)
	if !ok {
		return transport.InvokeResponse{}, common.Unclassified(fmt.Errorf("processor %q is not registered on node %s", req.Processor, h.sm.nodeID))
	}

	resp := transport.InvokeResponse{Results: make(map[string]transport.KeyResult, len(req.Keys))}
	for _, key := range req.Keys {
		value, err := h.sm.invokeLocal(ctx, req.TopologyVersion, key, proc, req.Args)
		resp.Results[key] = transport.KeyResult{Value: value, Fault: transport.FaultOf(err)}
	}
	return resp, nil
}

func (sm *StoreManager) trackLock(txID string, pid int) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	parts, ok := sm.txLocks[txID]
	if !ok {
		parts = make(map[int]struct{})
		sm.txLocks[txID] = parts
	}
	parts[pid] = struct{}{}
}

// Lock acquires the transaction lock of every key, in request order, and
// returns the committed state of each.
func (h *handler) Lock(ctx context.Context, req transport.LockRequest) (transport.LockResponse, error) {
	sm := h.sm
	resp := transport.LockResponse{Reads: make([]transport.Read, 0, len(req.Keys))}
	for _, key := range req.Keys {
		p, err := sm.partitionOf(req.TopologyVersion, key)
		if err != nil {
			return resp, err
		}
		sm.trackLock(req.TxID, p.ID)
		if err := p.Locks().AcquireLock(ctx, req.TxID, key, lockmanager.WriteLock, req.Timeout); err != nil {
			return resp, sm.lockError(err, key)
		}
		e, found, version := p.Get(key)
		resp.Reads = append(resp.Reads, transport.Read{Key: key, Value: e.Value, Version: version, Found: found})
	}
	return resp, nil
}

// Prepare locks (optimistic) or checks the locks (pessimistic) of every key
// the transaction touched here, validates observed versions and admits the
// write-set. Nothing is applied before Commit.
func (h *handler) Prepare(ctx context.Context, req transport.PrepareRequest) (transport.Empty, error) {
	sm := h.sm
	v, err := sm.view(req.TopologyVersion)
	if err != nil {
		return transport.Empty{}, err
	}

	writes := make(map[string]struct{}, len(req.Writes))
	for _, w := range req.Writes {
		writes[w.Key] = struct{}{}
	}
	keys := make([]string, 0, len(req.Reads)+len(req.Writes))
	for k := range writes {
		keys = append(keys, k)
	}
	for k := range req.Reads {
		if _, ok := writes[k]; !ok {
			keys = append(keys, k)
		}
	}
	// A fixed order keeps concurrent optimistic commits from deadlocking.
	sort.Strings(keys)

	byID := make(map[int]*store.Partition)
	for _, key := range keys {
		p, err := sm.partitionOf(req.TopologyVersion, key)
		if err != nil {
			return transport.Empty{}, err
		}
		byID[p.ID] = p

		_, isWrite := writes[key]
		switch {
		case req.Optimistic:
			lockType := lockmanager.ReadLock
			if isWrite {
				lockType = lockmanager.WriteLock
			}
			sm.trackLock(req.TxID, p.ID)
			if err := p.Locks().AcquireLock(ctx, req.TxID, key, lockType, req.Timeout); err != nil {
				return transport.Empty{}, sm.lockError(err, key)
			}
		case isWrite && !p.Locks().HasLock(req.TxID, key, lockmanager.WriteLock):
			return transport.Empty{}, common.RollbackConflict("transaction %s does not hold the lock on %q", req.TxID, key)
		}
	}

	pids := make([]int, 0, len(byID))
	for pid := range byID {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	entered := make([]*store.Partition, 0, len(pids))
	leave := func() {
		for _, p := range entered {
			p.Leave()
		}
	}
	for _, pid := range pids {
		p := byID[pid]
		if !p.Enter() {
			leave()
			return transport.Empty{}, sm.mismatch(v.Version(), "partition %d moved during prepare", pid)
		}
		entered = append(entered, p)
	}

	if cur := sm.holder.Version(); cur != v.Version() {
		leave()
		return transport.Empty{}, sm.mismatch(cur, "topology changed to %d during prepare", cur)
	}

	for key, observed := range req.Reads {
		p := byID[v.PartitionOf(key)]
		if current := p.Version(key); current != observed {
			leave()
			return transport.Empty{}, common.RollbackConflict("version of %q moved from %d to %d", key, observed, current)
		}
	}

	sm.mu.Lock()
	sm.prepared[req.TxID] = &preparedTx{view: v, writes: req.Writes, partitions: entered}
	sm.mu.Unlock()

	slog.Debug("transaction prepared", "node", sm.nodeID, "tx", req.TxID, "writes", len(req.Writes))
	return transport.Empty{}, nil
}

func (sm *StoreManager) takePrepared(txID string) (*preparedTx, map[int]struct{}) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	prep := sm.prepared[txID]
	parts := sm.txLocks[txID]
	delete(sm.prepared, txID)
	delete(sm.txLocks, txID)
	return prep, parts
}

func (sm *StoreManager) releaseLocks(txID string, parts map[int]struct{}) error {
	var err error
	for pid := range parts {
		if p, ok := sm.store.Partition(pid); ok {
			err = multierr.Append(err, p.Locks().ReleaseAllLocks(txID))
		}
	}
	return err
}

// Commit applies a prepared write-set and releases the transaction.
func (h *handler) Commit(_ context.Context, req transport.CommitRequest) (transport.Empty, error) {
	sm := h.sm
	prep, parts := sm.takePrepared(req.TxID)
	if prep == nil {
		err := sm.releaseLocks(req.TxID, parts)
		return transport.Empty{}, common.Unclassified(multierr.Append(fmt.Errorf("transaction %s is not prepared on node %s", req.TxID, sm.nodeID), err))
	}

	byID := make(map[int]*store.Partition, len(prep.partitions))
	for _, p := range prep.partitions {
		byID[p.ID] = p
	}
	for _, w := range prep.writes {
		p := byID[prep.view.PartitionOf(w.Key)]
		if w.Remove {
			p.Delete(w.Key)
		} else {
			p.Put(w.Key, w.Value)
		}
	}
	for _, p := range prep.partitions {
		p.Leave()
	}

	slog.Debug("transaction committed", "node", sm.nodeID, "tx", req.TxID, "writes", len(prep.writes))
	return transport.Empty{}, sm.releaseLocks(req.TxID, parts)
}

// Release discards whatever the transaction holds here. Releasing an unknown
// transaction is a no-op.
func (h *handler) Release(_ context.Context, req transport.ReleaseRequest) (transport.Empty, error) {
	sm := h.sm
	prep, parts := sm.takePrepared(req.TxID)
	if prep != nil {
		for _, p := range prep.partitions {
			p.Leave()
		}
	}
	return transport.Empty{}, sm.releaseLocks(req.TxID, parts)
}

// Reduce folds every entry of the partitions this node owns into one partial.
func (h *handler) Reduce(_ context.Context, req transport.ReduceRequest) (transport.ReduceResponse, error) {
	sm := h.sm
	v, err := sm.view(req.TopologyVersion)
	if err != nil {
		return transport.ReduceResponse{}, err
	}

	var parts []*store.Partition
	for _, pid := range v.PartitionsOf(sm.nodeID) {
		p, ok := sm.store.Partition(pid)
		if !ok || p.State() != store.Ready {
			return transport.ReduceResponse{}, sm.mismatch(v.Version(), "partition %d is not ready", pid)
		}
		parts = append(parts, p)
	}

	partial, err := query.ComputePartial(req, func(fn func(common.Entry) bool) {
		for _, p := range parts {
			stopped := false
			p.Range(func(e common.Entry) bool {
				if !fn(e) {
					stopped = true
					return false
				}
				return true
			})
			if stopped {
				return
			}
		}
	})
	if err != nil {
		return transport.ReduceResponse{}, err
	}
	return transport.ReduceResponse{Partial: partial}, nil
}

// Transfer restores a partition handed over by its previous owner.
func (h *handler) Transfer(_ context.Context, req transport.TransferRequest) (transport.Empty, error) {
	h.sm.receive(req)
	return transport.Empty{}, nil
}
