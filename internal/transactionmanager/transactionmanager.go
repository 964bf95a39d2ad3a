package transactionmanager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/executor"
	"gridkv/internal/future"
	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// Concurrency selects when a transaction takes its key locks.
type Concurrency int

const (
	// Pessimistic locks every key on first access until commit or rollback.
	Pessimistic Concurrency = iota
	// Optimistic locks only for the commit window and validates what it read.
	Optimistic
)

func (c Concurrency) String() string {
	if c == Optimistic {
		return "OPTIMISTIC"
	}
	return "PESSIMISTIC"
}

type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
)

func (i Isolation) String() string {
	if i == RepeatableRead {
		return "REPEATABLE_READ"
	}
	return "READ_COMMITTED"
}

var (
	ErrNoTopology   = errors.New("no topology installed")
	ErrFinished     = errors.New("transaction is already finished")
	ErrRollbackOnly = errors.New("transaction is marked rollback-only")
)

// Cluster is what the coordinator needs from the local node.
type Cluster interface {
	Holder() *topology.Holder
	Peer(node string) (transport.Handler, error)
}

type Config struct {
	// LockTimeout bounds every key lock acquisition, zero waits on the
	// context alone.
	LockTimeout time.Duration
	// CommitTimeout bounds both commit phases, zero waits on the context
	// alone.
	CommitTimeout time.Duration
}

type Stats struct {
	Active     int
	Committed  int64
	RolledBack int64
}

// TransactionManager coordinates the transactions started on this node. The
// participants are the nodes owning the touched keys.
type TransactionManager struct {
	cluster Cluster
	exec    *executor.Executor
	cfg     Config

	transactions map[string]*transaction
	m            sync.Mutex

	committed  atomic.Int64
	rolledBack atomic.Int64
}

func NewTransactionManager(cluster Cluster, exec *executor.Executor, cfg Config) *TransactionManager {
	return &TransactionManager{
		cluster:      cluster,
		exec:         exec,
		cfg:          cfg,
		transactions: make(map[string]*transaction),
	}
}

type ctxKey struct{}

// FromContext returns the ambient transaction of ctx.
func FromContext(ctx context.Context) (*Tx, bool) {
	t, ok := ctx.Value(ctxKey{}).(*transaction)
	if !ok {
		return nil, false
	}
	return &Tx{t: t, joined: true}, true
}

// Begin starts a transaction and returns a context carrying it. When ctx
// already carries one, the returned handle joins it instead: its Commit does
// nothing and closing it uncommitted marks the outer transaction
// rollback-only.
func (tm *TransactionManager) Begin(ctx context.Context, concurrency Concurrency, isolation Isolation) (context.Context, *Tx, error) {
	if outer, ok := ctx.Value(ctxKey{}).(*transaction); ok {
		return ctx, &Tx{t: outer, joined: true}, nil
	}

	view := tm.cluster.Holder().Current()
	if view == nil {
		return ctx, nil, common.TopologyMismatch(0, tm.cluster.Holder().AwaitStable(1), "%s", ErrNoTopology)
	}

	t := &transaction{
		id:          uuid.NewString(),
		tm:          tm,
		concurrency: concurrency,
		isolation:   isolation,
		view:        view,
		reads:       make(map[string]transport.Read),
		writes:      make(map[string]transport.Write),
		locked:      make(map[string]struct{}),
		nodes:       make(map[string]struct{}),
	}

	tm.m.Lock()
	tm.transactions[t.id] = t
	tm.m.Unlock()

	slog.Debug("transaction started", "tx", t.id, "concurrency", concurrency, "isolation", isolation, "topology", view.Version())
	return context.WithValue(ctx, ctxKey{}, t), &Tx{t: t}, nil
}

// Run executes fn inside a transaction scope: fn's error or a failed commit
// rolls back, success commits.
func Run(ctx context.Context, tm *TransactionManager, concurrency Concurrency, isolation Isolation, fn func(ctx context.Context, tx *Tx) error) (err error) {
	ctx, tx, err := tm.Begin(ctx, concurrency, isolation)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, tx.Close())
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (tm *TransactionManager) finished(t *transaction, committed bool) {
	tm.m.Lock()
	delete(tm.transactions, t.id)
	tm.m.Unlock()

	if committed {
		tm.committed.Inc()
	} else {
		tm.rolledBack.Inc()
	}
}

func (tm *TransactionManager) Stats() Stats {
	tm.m.Lock()
	active := len(tm.transactions)
	tm.m.Unlock()

	return Stats{
		Active:     active,
		Committed:  tm.committed.Load(),
		RolledBack: tm.rolledBack.Load(),
	}
}

// Tx is a handle on a transaction.
type Tx struct {
	t         *transaction
	joined    bool
	committed bool
}

func (tx *Tx) ID() string {
	return tx.t.id
}

func (tx *Tx) State() State {
	return tx.t.currentState()
}

func (tx *Tx) Concurrency() Concurrency {
	return tx.t.concurrency
}

func (tx *Tx) Isolation() Isolation {
	return tx.t.isolation
}

// Joined reports whether the handle joined an ambient transaction.
func (tx *Tx) Joined() bool {
	return tx.joined
}

// TopologyVersion is the topology the transaction started at.
func (tx *Tx) TopologyVersion() uint64 {
	return tx.t.view.Version()
}

// SetRollbackOnly makes the next Commit roll back.
func (tx *Tx) SetRollbackOnly() {
	tx.t.markRollbackOnly()
}

// Commit runs both commit phases. On a joined handle it only records that
// the inner scope completed.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.joined {
		tx.committed = true
		return nil
	}
	err := tx.t.commit(ctx)
	if err == nil {
		tx.committed = true
	}
	return err
}

// CommitAsync runs Commit on the node's worker pool.
func (tx *Tx) CommitAsync(ctx context.Context) *future.Future[struct{}] {
	return executor.Submit(tx.t.tm.exec, func() (struct{}, error) {
		return struct{}{}, tx.Commit(ctx)
	})
}

// Rollback discards the transaction. A joined handle marks the outer
// transaction rollback-only.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.joined {
		tx.t.markRollbackOnly()
		return nil
	}
	tx.t.rollback(ctx)
	return nil
}

// Close ends the scope: an uncommitted transaction is rolled back.
func (tx *Tx) Close() error {
	if tx.committed {
		return nil
	}
	return tx.Rollback(context.Background())
}
