package store

import (
	"sync"

	"gridkv/internal/common"
	"gridkv/internal/datatable"
	"gridkv/internal/lockmanager"

	"go.uber.org/atomic"
)

// State is the hosting state of a partition on this node.
type State int32

const (
	// Ready partitions serve reads and writes.
	Ready State = iota
	// Pending partitions were gained by a new topology and wait for their
	// entries to be transferred from the previous owner.
	Pending
	// Moving partitions were lost by a new topology and are being handed off.
	Moving
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Pending:
		return "PENDING"
	case Moving:
		return "MOVING"
	default:
		return "UNKNOWN"
	}
}

// Stats counts operations served by a partition.
type Stats struct {
	Gets    int64 `json:"gets"`
	Puts    int64 `json:"puts"`
	Removes int64 `json:"removes"`
	Invokes int64 `json:"invokes"`
}

// Partition is one hosted shard of the key space: an ordered entry table and
// the key lock table guarding it.
type Partition struct {
	ID int

	mu    sync.RWMutex
	table *datatable.DataTable
	locks *lockmanager.LockManager
	state atomic.Int32
	// gate is read-held by every mutation in flight and by prepared
	// transactions until they finish, write-held by Seal.
	gate sync.RWMutex

	gets, puts, removes, invokes atomic.Int64
}

func NewPartition(id int, state State) *Partition {
	p := &Partition{
		ID:    id,
		table: datatable.NewDataTable(),
		locks: lockmanager.NewLockManager(),
	}
	p.state.Store(int32(state))
	return p
}

func (p *Partition) State() State {
	return State(p.state.Load())
}

func (p *Partition) SetState(s State) {
	p.state.Store(int32(s))
}

// Enter admits a mutation. It reports false, admitting nothing, when the
// partition is not Ready. Every successful Enter is paired with Leave, which
// may run on another goroutine.
func (p *Partition) Enter() bool {
	p.gate.RLock()
	if p.State() != Ready {
		p.gate.RUnlock()
		return false
	}
	return true
}

func (p *Partition) Leave() {
	p.gate.RUnlock()
}

// Seal waits for admitted mutations to leave and moves the partition to
// state, after which Enter refuses new ones.
func (p *Partition) Seal(state State) {
	p.gate.Lock()
	defer p.gate.Unlock()

	p.SetState(state)
}

func (p *Partition) Locks() *lockmanager.LockManager {
	return p.locks
}

// Get returns the live entry and the last version of key, which is the
// tombstone version when the key is absent.
func (p *Partition) Get(key string) (common.Entry, bool, uint64) {
	p.gets.Inc()
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.table.Get(key)
	return e.Clone(), ok, p.table.Version(key)
}

func (p *Partition) Version(key string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.table.Version(key)
}

// Put stores value. Callers hold the key lock.
func (p *Partition) Put(key string, value []byte) common.Entry {
	p.puts.Inc()
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.table.Put(key, value).Clone()
}

// Delete removes key. Callers hold the key lock.
func (p *Partition) Delete(key string) (common.Entry, bool) {
	p.removes.Inc()
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.table.Delete(key)
	return e.Clone(), ok
}

// CountInvoke records an entry processor run.
func (p *Partition) CountInvoke() {
	p.invokes.Inc()
}

// Range calls fn for every live entry in key order.
func (p *Partition) Range(fn func(common.Entry) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	p.table.Range(fn)
}

func (p *Partition) ScanPrefix(prefix string) []common.Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.table.ScanPrefix(prefix)
}

// Snapshot copies the partition for handoff.
func (p *Partition) Snapshot() (live, tombstones []common.Entry) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.table.Snapshot()
}

// Restore merges handed off entries, keeping the newest version per key.
func (p *Partition) Restore(live, tombstones []common.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range live {
		p.table.Restore(e, false)
	}
	for _, e := range tombstones {
		p.table.Restore(e, true)
	}
}

func (p *Partition) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.table.Size()
}

func (p *Partition) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.table.Keys()
}

func (p *Partition) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.table.Clear()
}

func (p *Partition) Stats() Stats {
	return Stats{
		Gets:    p.gets.Load(),
		Puts:    p.puts.Load(),
		Removes: p.removes.Load(),
		Invokes: p.invokes.Load(),
	}
}
