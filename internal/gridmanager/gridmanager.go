package gridmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/executor"
	"gridkv/internal/future"
	"gridkv/internal/parser"
	"gridkv/internal/processor"
	"gridkv/internal/query"
	"gridkv/internal/retry"
	"gridkv/internal/store"
	"gridkv/internal/storemanager"
	"gridkv/internal/topology"
	"gridkv/internal/transactionmanager"
	"gridkv/internal/transport"
)

type Config struct {
	NodeID               string
	Partitions           int
	WorkerPoolSize       int
	LockTimeout          time.Duration
	CommitTimeout        time.Duration
	LockTimeoutRetryable bool
	RetryMaxAttempts     int
}

// DefaultConfig is the configuration of a node started without a config
// file.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:               nodeID,
		Partitions:           64,
		WorkerPoolSize:       16,
		LockTimeout:          2 * time.Second,
		CommitTimeout:        10 * time.Second,
		LockTimeoutRetryable: true,
		RetryMaxAttempts:     10,
	}
}

// GridManager is one grid node: its partitioned store, transaction
// coordinator, reduce engine and worker pool behind a cache surface.
type GridManager struct {
	Parser             parser.Parser
	Holder             *topology.Holder
	StoreManager       *storemanager.StoreManager
	TransactionManager *transactionmanager.TransactionManager
	Executor           *executor.Executor
	Engine             *query.Engine

	cfg       Config
	installMu sync.Mutex
}

// NewGridManager builds a node over holder, which t may share to resolve
// peer addresses. The node serves nothing until a topology is installed.
func NewGridManager(cfg Config, holder *topology.Holder, t transport.Transport) *GridManager {
	storeManager := storemanager.NewStoreManager(cfg.NodeID, holder, store.NewNodeStore(), t, storemanager.Config{
		LockTimeout:          cfg.LockTimeout,
		LockTimeoutRetryable: cfg.LockTimeoutRetryable,
	})
	exec := executor.New(cfg.WorkerPoolSize)

	return &GridManager{
		Parser:       parser.NewStringParser(),
		Holder:       holder,
		StoreManager: storeManager,
		TransactionManager: transactionmanager.NewTransactionManager(storeManager, exec, transactionmanager.Config{
			LockTimeout:   cfg.LockTimeout,
			CommitTimeout: cfg.CommitTimeout,
		}),
		Executor: exec,
		Engine:   query.NewEngine(storeManager, exec),
		cfg:      cfg,
	}
}

func (gm *GridManager) NodeID() string {
	return gm.cfg.NodeID
}

func (gm *GridManager) Config() Config {
	return gm.cfg
}

// Handler is the node protocol to expose to peers.
func (gm *GridManager) Handler() transport.Handler {
	return gm.StoreManager.Handler()
}

// InstallTopology installs a newer view and rebalances the hosted
// partitions. It returns once this node's handoffs are sent; Stabilized
// completes when the gained partitions arrived.
func (gm *GridManager) InstallTopology(ctx context.Context, v *topology.View) error {
	gm.installMu.Lock()
	defer gm.installMu.Unlock()

	prev := gm.Holder.Current()
	if err := gm.Holder.Install(v); err != nil {
		return err
	}
	slog.Info("topology installed", "node", gm.cfg.NodeID, "version", v.Version(), "nodes", v.Nodes())
	gm.StoreManager.Rebalance(ctx, prev)
	return nil
}

func (gm *GridManager) Stabilized() *future.Future[struct{}] {
	return gm.Holder.Stabilized()
}

// Retry runs op under the failure classifier with this node's attempt bound.
func (gm *GridManager) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	return retry.Do(ctx, op, retry.WithMaxAttempts(gm.cfg.RetryMaxAttempts))
}

// Begin starts a transaction, or joins the one ctx carries.
func (gm *GridManager) Begin(ctx context.Context, concurrency transactionmanager.Concurrency, isolation transactionmanager.Isolation) (context.Context, *transactionmanager.Tx, error) {
	return gm.TransactionManager.Begin(ctx, concurrency, isolation)
}

// InTx runs fn in a transaction scope.
func (gm *GridManager) InTx(ctx context.Context, concurrency transactionmanager.Concurrency, isolation transactionmanager.Isolation, fn func(ctx context.Context, tx *transactionmanager.Tx) error) error {
	return transactionmanager.Run(ctx, gm.TransactionManager, concurrency, isolation, fn)
}

// Get reads key, inside the ambient transaction of ctx if there is one.
func (gm *GridManager) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if tx, ok := transactionmanager.FromContext(ctx); ok {
		return tx.Get(ctx, key)
	}
	return gm.StoreManager.Get(ctx, gm.Holder.Version(), key)
}

func (gm *GridManager) Put(ctx context.Context, key string, value []byte) error {
	if tx, ok := transactionmanager.FromContext(ctx); ok {
		return tx.Put(ctx, key, value)
	}
	return gm.StoreManager.Put(ctx, gm.Holder.Version(), key, value)
}

// Remove deletes key and returns the value it held.
func (gm *GridManager) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	if tx, ok := transactionmanager.FromContext(ctx); ok {
		return tx.Remove(ctx, key)
	}
	return gm.StoreManager.Remove(ctx, gm.Holder.Version(), key)
}

// Invoke runs inv against key with exclusive access to it.
func (gm *GridManager) Invoke(ctx context.Context, key string, inv processor.Invocation) (json.RawMessage, error) {
	if tx, ok := transactionmanager.FromContext(ctx); ok {
		return tx.Invoke(ctx, key, inv)
	}
	return gm.StoreManager.Invoke(ctx, gm.Holder.Version(), key, inv)
}

// InvokeAll runs inv against every key. Processor failures are reported per
// key.
func (gm *GridManager) InvokeAll(ctx context.Context, keys []string, inv processor.Invocation) (map[string]storemanager.Result, error) {
	if tx, ok := transactionmanager.FromContext(ctx); ok {
		results := make(map[string]storemanager.Result, len(keys))
		for _, key := range keys {
			value, err := tx.Invoke(ctx, key, inv)
			if err != nil && !isProcessorError(err) {
				return nil, err
			}
			results[key] = storemanager.Result{Value: value, Err: err}
		}
		return results, nil
	}
	return gm.StoreManager.InvokeAll(ctx, gm.Holder.Version(), keys, inv)
}

func isProcessorError(err error) bool {
	return errors.Is(err, common.ErrProcessor)
}

func (gm *GridManager) GetAsync(ctx context.Context, key string) *future.Future[[]byte] {
	return executor.Submit(gm.Executor, func() ([]byte, error) {
		value, _, err := gm.Get(ctx, key)
		return value, err
	})
}

func (gm *GridManager) PutAsync(ctx context.Context, key string, value []byte) *future.Future[struct{}] {
	return executor.Submit(gm.Executor, func() (struct{}, error) {
		return struct{}{}, gm.Put(ctx, key, value)
	})
}

func (gm *GridManager) RemoveAsync(ctx context.Context, key string) *future.Future[[]byte] {
	return executor.Submit(gm.Executor, func() ([]byte, error) {
		old, _, err := gm.Remove(ctx, key)
		return old, err
	})
}

func (gm *GridManager) InvokeAsync(ctx context.Context, key string, inv processor.Invocation) *future.Future[json.RawMessage] {
	return executor.Submit(gm.Executor, func() (json.RawMessage, error) {
		return gm.Invoke(ctx, key, inv)
	})
}

func (gm *GridManager) InvokeAllAsync(ctx context.Context, keys []string, inv processor.Invocation) *future.Future[map[string]storemanager.Result] {
	return executor.Submit(gm.Executor, func() (map[string]storemanager.Result, error) {
		return gm.InvokeAll(ctx, keys, inv)
	})
}

// Size counts the entries of the whole grid with a reduce query.
func (gm *GridManager) Size(ctx context.Context) (int64, error) {
	return gm.Count(ctx, query.All())
}

// Count counts the entries matching clause across the grid.
func (gm *GridManager) Count(ctx context.Context, clause transport.Clause) (int64, error) {
	q := query.NewReduceQuery[int64, int64](gm.Engine)
	if err := q.Clause(clause); err != nil {
		return 0, err
	}
	if err := q.RemoteReducer(query.ReducerCount); err != nil {
		return 0, err
	}
	if err := q.LocalReducer(sum); err != nil {
		return 0, err
	}
	return q.Reduce(ctx).Get(ctx)
}

func sum(partials []int64) (int64, error) {
	var total int64
	for _, n := range partials {
		total += n
	}
	return total, nil
}

// LocalSize is the number of entries hosted by this node.
func (gm *GridManager) LocalSize() int {
	return gm.StoreManager.Size()
}

func (gm *GridManager) LocalKeys() []string {
	return gm.StoreManager.Keys()
}

// Clear removes the entries hosted by this node.
func (gm *GridManager) Clear() {
	gm.StoreManager.Clear()
}

// Stats reports per-partition counters of the hosted partitions.
func (gm *GridManager) Stats() map[int]store.Stats {
	return gm.StoreManager.Store().Stats()
}

func (gm *GridManager) Close() {
	gm.Executor.Close()
	slog.Info("grid node closed", "node", gm.cfg.NodeID)
}

func (gm *GridManager) String() string {
	return fmt.Sprintf("node %s at topology %d", gm.cfg.NodeID, gm.Holder.Version())
}
