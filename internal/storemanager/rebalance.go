package storemanager

import (
	"context"
	"log/slog"
	"slices"

	"gridkv/internal/store"
	"gridkv/internal/topology"
	"gridkv/internal/transport"
)

// Rebalance brings the hosted partitions in line with the installed view:
// lost partitions are sealed and handed to their new owner, gained ones wait
// for the previous owner's handoff. prev is the view installed before, nil on
// first start. The node is marked stable once nothing is pending.
func (sm *StoreManager) Rebalance(ctx context.Context, prev *topology.View) {
	next := sm.holder.Current()
	if next == nil {
		return
	}

	for _, pid := range sm.store.Hosted() {
		if next.Owner(pid) != sm.nodeID && !sm.receivedAhead(pid) {
			sm.handOff(ctx, next, pid)
		}
	}

	alive := next.Nodes()
	sm.mu.Lock()
	for _, pid := range next.PartitionsOf(sm.nodeID) {
		p, hosted := sm.store.Partition(pid)
		if hosted && p.State() == store.Ready {
			continue
		}

		prevOwner := ""
		if prev != nil {
			prevOwner = prev.Owner(pid)
		}
		_, received := sm.received[pid]

		switch {
		case prev == nil || prevOwner == sm.nodeID || received:
			sm.store.Host(pid, store.Ready)
			delete(sm.received, pid)
		case !slices.Contains(alive, prevOwner):
			slog.Warn("previous owner left without handoff, partition starts empty",
				"node", sm.nodeID, "partition", pid, "previous", prevOwner)
			sm.store.Host(pid, store.Ready)
		default:
			sm.store.Host(pid, store.Pending)
		}
	}
	sm.mu.Unlock()

	sm.checkStable()
}

// handOff seals a lost partition, ships it to its new owner and drops it. A
// failed handoff keeps the partition sealed so a later view can retry it.
func (sm *StoreManager) handOff(ctx context.Context, next *topology.View, pid int) {
	p, ok := sm.store.Partition(pid)
	if !ok {
		return
	}
	p.Seal(store.Moving)

	owner := next.Owner(pid)
	live, tombstones := p.Snapshot()
	req := transport.TransferRequest{
		TopologyVersion: next.Version(),
		From:            sm.nodeID,
		Partition:       pid,
		Entries:         live,
		Tombstones:      tombstones,
	}

	peer, err := sm.Peer(owner)
	if err == nil {
		_, err = peer.Transfer(ctx, req)
	}
	if err != nil {
		slog.Error("partition handoff failed", "node", sm.nodeID, "partition", pid, "to", owner, "error", err)
		return
	}

	sm.store.Drop(pid)
	slog.Info("partition handed off", "node", sm.nodeID, "partition", pid, "to", owner, "entries", len(live))
}

// receive restores a handed off partition. The transfer may arrive before
// this node installs the view that assigns the partition to it.
func (sm *StoreManager) receive(req transport.TransferRequest) {
	sm.mu.Lock()
	p, ok := sm.store.Partition(req.Partition)
	if !ok {
		p = sm.store.Host(req.Partition, store.Pending)
	}
	p.Restore(req.Entries, req.Tombstones)

	v := sm.holder.Current()
	if v != nil && v.Version() >= req.TopologyVersion && v.Owner(req.Partition) == sm.nodeID {
		p.SetState(store.Ready)
	} else {
		sm.received[req.Partition] = req.TopologyVersion
	}
	sm.mu.Unlock()

	slog.Info("partition received", "node", sm.nodeID, "partition", req.Partition, "from", req.From, "entries", len(req.Entries))
	sm.checkStable()
}

// receivedAhead reports a partition transferred for a view not installed yet.
func (sm *StoreManager) receivedAhead(pid int) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	_, ok := sm.received[pid]
	return ok
}

func (sm *StoreManager) checkStable() {
	v := sm.holder.Current()
	if v == nil {
		return
	}
	if pending := sm.store.InState(store.Pending); len(pending) > 0 {
		slog.Debug("waiting for partitions", "node", sm.nodeID, "version", v.Version(), "pending", pending)
		return
	}
	sm.holder.MarkStable(v.Version())
}
