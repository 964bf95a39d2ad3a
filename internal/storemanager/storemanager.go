package storemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/lockmanager"
	"gridkv/internal/processor"
	"gridkv/internal/store"
	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

type Config struct {
	LockTimeout time.Duration
	// LockTimeoutRetryable reports lock timeouts as RollbackConflict instead
	// of a fatal error.
	LockTimeoutRetryable bool
}

// Result is the outcome of a processor on one key of an InvokeAll.
type Result struct {
	Value json.RawMessage
	Err   error
}

// StoreManager is the partitioned store of one node. It serves the node
// protocol for the partitions hosted here and routes caller operations to the
// owner of each key.
type StoreManager struct {
	nodeID    string
	holder    *topology.Holder
	store     *store.NodeStore
	transport transport.Transport
	cfg       Config

	handler *handler

	mu       sync.Mutex
	prepared map[string]*preparedTx
	txLocks  map[string]map[int]struct{}
	received map[int]uint64
}

func NewStoreManager(nodeID string, holder *topology.Holder, nodeStore *store.NodeStore, t transport.Transport, cfg Config) *StoreManager {
	sm := &StoreManager{
		nodeID:    nodeID,
		holder:    holder,
		store:     nodeStore,
		transport: t,
		cfg:       cfg,
		prepared:  make(map[string]*preparedTx),
		txLocks:   make(map[string]map[int]struct{}),
		received:  make(map[int]uint64),
	}
	sm.handler = &handler{sm: sm}
	return sm
}

// Handler returns the node protocol served by this node, to be registered
// with the transport.
func (sm *StoreManager) Handler() transport.Handler {
	return sm.handler
}

func (sm *StoreManager) NodeID() string {
	return sm.nodeID
}

func (sm *StoreManager) Holder() *topology.Holder {
	return sm.holder
}

func (sm *StoreManager) Store() *store.NodeStore {
	return sm.store
}

// Peer returns the handler of node. The local node is served in process.
func (sm *StoreManager) Peer(node string) (transport.Handler, error) {
	if node == sm.nodeID {
		return sm.handler, nil
	}
	return sm.transport.Peer(node)
}

// mismatch builds a TopologyMismatch bound to this node becoming stable at
// version.
func (sm *StoreManager) mismatch(version uint64, format string, args ...any) error {
	return common.TopologyMismatch(version, sm.holder.AwaitStable(version), "node %s: %s", sm.nodeID, fmt.Sprintf(format, args...))
}

// view returns the current view when it is the one the caller expects.
func (sm *StoreManager) view(topVer uint64) (*topology.View, error) {
	v := sm.holder.Current()
	if v == nil {
		return nil, sm.mismatch(topVer, "no topology installed")
	}
	if topVer != v.Version() {
		return nil, sm.mismatch(max(topVer, v.Version()), "request at topology %d, node at %d", topVer, v.Version())
	}
	return v, nil
}

// route returns the handler owning key under topVer.
func (sm *StoreManager) route(topVer uint64, key string) (transport.Handler, error) {
	v, err := sm.view(topVer)
	if err != nil {
		return nil, err
	}
	return sm.Peer(v.OwnerOfKey(key))
}

// faultErr rebuilds a per-key fault returned by a remote node.
func (sm *StoreManager) faultErr(f *transport.Fault) error {
	if f == nil {
		return nil
	}
	return f.Err(sm.holder.AwaitStable(f.TopologyVersion))
}

func (sm *StoreManager) lockError(err error, key string) error {
	switch {
	case errors.Is(err, lockmanager.ErrDeadlock):
		return common.RollbackConflict("lock %q: %w", key, err)
	case errors.Is(err, lockmanager.ErrLockTimeout):
		if sm.cfg.LockTimeoutRetryable {
			return common.RollbackConflict("lock %q: %w", key, err)
		}
		return common.Unclassified(fmt.Errorf("lock %q: %w", key, err))
	default:
		// The caller's context ended the wait.
		return common.Unclassified(fmt.Errorf("lock %q: %w", key, err))
	}
}

func newOpOwner() string {
	return "op-" + uuid.NewString()
}

// Get routes a read to the owner of key.
func (sm *StoreManager) Get(ctx context.Context, topVer uint64, key string) ([]byte, bool, error) {
	r, err := sm.Read(ctx, topVer, key)
	return r.Value, r.Found, err
}

// Read routes a read to the owner of key and returns the observed version.
func (sm *StoreManager) Read(ctx context.Context, topVer uint64, key string) (transport.Read, error) {
	peer, err := sm.route(topVer, key)
	if err != nil {
		return transport.Read{}, err
	}
	return peer.Get(ctx, transport.GetRequest{TopologyVersion: topVer, Key: key})
}

// Put stores value under key on its owner.
func (sm *StoreManager) Put(ctx context.Context, topVer uint64, key string, value []byte) error {
	peer, err := sm.route(topVer, key)
	if err != nil {
		return err
	}
	_, err = peer.Update(ctx, transport.UpdateRequest{TopologyVersion: topVer, Key: key, Value: value})
	return err
}

// Remove deletes key on its owner and returns the value it held.
func (sm *StoreManager) Remove(ctx context.Context, topVer uint64, key string) ([]byte, bool, error) {
	peer, err := sm.route(topVer, key)
	if err != nil {
		return nil, false, err
	}
	resp, err := peer.Update(ctx, transport.UpdateRequest{TopologyVersion: topVer, Key: key, Remove: true})
	if err != nil {
		return nil, false, err
	}
	return resp.Previous.Value, resp.Previous.Found, nil
}

// Invoke runs inv against key on its owner. Anonymous processors only run on
// keys hosted by this node.
func (sm *StoreManager) Invoke(ctx context.Context, topVer uint64, key string, inv processor.Invocation) (json.RawMessage, error) {
	v, err := sm.view(topVer)
	if err != nil {
		return nil, err
	}
	owner := v.OwnerOfKey(key)
	if owner == sm.nodeID {
		p, err := inv.Resolve()
		if err != nil {
			return nil, common.Unclassified(err)
		}
		return sm.invokeLocal(ctx, topVer, key, p, inv.Args)
	}

	results, err := sm.invokeRemote(ctx, topVer, owner, []string{key}, inv)
	if err != nil {
		return nil, err
	}
	r := results[key]
	return r.Value, r.Err
}

// InvokeAll runs inv against every key, fanning out to the owning nodes in
// parallel. Processor failures are reported per key; a node that cannot be
// reached fails the whole call.
func (sm *StoreManager) InvokeAll(ctx context.Context, topVer uint64, keys []string, inv processor.Invocation) (map[string]Result, error) {
	v, err := sm.view(topVer)
	if err != nil {
		return nil, err
	}

	byOwner := make(map[string][]string)
	for _, key := range keys {
		owner := v.OwnerOfKey(key)
		byOwner[owner] = append(byOwner[owner], key)
	}

	p := pool.NewWithResults[map[string]Result]().WithContext(ctx)
	for owner, ownerKeys := range byOwner {
		p.Go(func(ctx context.Context) (map[string]Result, error) {
			if owner != sm.nodeID {
				return sm.invokeRemote(ctx, topVer, owner, ownerKeys, inv)
			}
			proc, err := inv.Resolve()
			if err != nil {
				return nil, common.Unclassified(err)
			}
			out := make(map[string]Result, len(ownerKeys))
			for _, key := range ownerKeys {
				value, err := sm.invokeLocal(ctx, topVer, key, proc, inv.Args)
				out[key] = Result{Value: value, Err: err}
			}
			return out, nil
		})
	}

	groups, err := p.Wait()
	if err != nil {
		return nil, err
	}
	results := make(map[string]Result, len(keys))
	for _, g := range groups {
		for k, r := range g {
			results[k] = r
		}
	}
	return results, nil
}

func (sm *StoreManager) invokeRemote(ctx context.Context, topVer uint64, owner string, keys []string, inv processor.Invocation) (map[string]Result, error) {
	if !inv.Shippable() {
		return nil, common.Unclassified(fmt.Errorf("processor %s cannot run on node %s: only registered processors are shipped", inv, owner))
	}
	peer, err := sm.Peer(owner)
	if err != nil {
		return nil, err
	}
	resp, err := peer.Invoke(ctx, transport.InvokeRequest{
		TopologyVersion: topVer,
		Keys:            keys,
		Processor:       inv.Name,
		Args:            inv.Args,
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]Result, len(keys))
	for _, key := range keys {
		r, ok := resp.Results[key]
		if !ok {
			out[key] = Result{Err: common.Unclassified(fmt.Errorf("node %s returned no result for %q", owner, key))}
			continue
		}
		out[key] = Result{Value: r.Value, Err: sm.faultErr(r.Fault)}
	}
	return out, nil
}

// Size returns the number of entries hosted by this node.
func (sm *StoreManager) Size() int {
	return sm.store.Size()
}

// Keys returns the keys hosted by this node.
func (sm *StoreManager) Keys() []string {
	return sm.store.Keys()
}

// Clear removes every entry hosted by this node.
func (sm *StoreManager) Clear() {
	sm.store.Clear()
	slog.Info("store cleared", "node", sm.nodeID)
}
