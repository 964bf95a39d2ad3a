package transactionmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gridkv/internal/common"
	"gridkv/internal/processor"
	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
)

type State int

const (
	Active State = iota
	Preparing
	Committing
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Preparing:
		return "PREPARING"
	case Committing:
		return "COMMITTING"
	case Committed:
		return "COMMITTED"
	case RolledBack:
		return "ROLLED_BACK"
	default:
		return "UNKNOWN"
	}
}

type transaction struct {
	id          string
	tm          *TransactionManager
	concurrency Concurrency
	isolation   Isolation
	view        *topology.View

	// mu serializes the operations of the transaction, which run in program
	// order.
	mu           sync.Mutex
	state        State
	rollbackOnly bool
	reads        map[string]transport.Read
	writes       map[string]transport.Write
	order        []string
	locked       map[string]struct{}
	nodes        map[string]struct{}
}

func (t *transaction) currentState() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

func (t *transaction) markRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Active && !t.rollbackOnly {
		t.rollbackOnly = true
		slog.Debug("transaction marked rollback-only", "tx", t.id)
	}
}

// usable checks the transaction can still run operations. Callers hold mu.
func (t *transaction) usable() error {
	if t.state != Active {
		return fmt.Errorf("%w: %s is %s", ErrFinished, t.id, t.state)
	}
	return t.checkTopology()
}

// checkTopology fails once a newer view superseded the one the transaction
// started at.
func (t *transaction) checkTopology() error {
	holder := t.tm.cluster.Holder()
	if cur := holder.Version(); cur != t.view.Version() {
		return common.TopologyMismatch(cur, holder.AwaitStable(cur),
			"transaction %s started at topology %d, now %d", t.id, t.view.Version(), cur)
	}
	return nil
}

func (t *transaction) peerOf(key string) (string, transport.Handler, error) {
	owner := t.view.OwnerOfKey(key)
	peer, err := t.tm.cluster.Peer(owner)
	return owner, peer, err
}

// lock takes the transaction lock of key on its owner and records the
// committed state it returned as the first read.
func (t *transaction) lock(ctx context.Context, key string) (transport.Read, error) {
	if _, ok := t.locked[key]; ok {
		return t.reads[key], nil
	}
	owner, peer, err := t.peerOf(key)
	if err != nil {
		return transport.Read{}, err
	}
	t.nodes[owner] = struct{}{}
	resp, err := peer.Lock(ctx, transport.LockRequest{
		TopologyVersion: t.view.Version(),
		TxID:            t.id,
		Keys:            []string{key},
		Timeout:         t.tm.cfg.LockTimeout,
	})
	if err != nil {
		return transport.Read{}, err
	}
	if len(resp.Reads) != 1 {
		return transport.Read{}, common.Unclassified(fmt.Errorf("node %s returned %d reads locking %q", owner, len(resp.Reads), key))
	}
	t.locked[key] = struct{}{}
	r := resp.Reads[0]
	if _, seen := t.reads[key]; !seen {
		t.reads[key] = r
	}
	return t.reads[key], nil
}

func (t *transaction) fetch(ctx context.Context, key string) (transport.Read, error) {
	_, peer, err := t.peerOf(key)
	if err != nil {
		return transport.Read{}, err
	}
	return peer.Get(ctx, transport.GetRequest{TopologyVersion: t.view.Version(), Key: key})
}

// read returns the committed state of key as the transaction sees it.
// forWrite locks in pessimistic mode whatever the isolation.
func (t *transaction) read(ctx context.Context, key string, forWrite bool) (transport.Read, error) {
	cached, seen := t.reads[key]
	switch {
	case t.concurrency == Pessimistic && (forWrite || t.isolation == RepeatableRead):
		return t.lock(ctx, key)
	case t.isolation == RepeatableRead && seen:
		return cached, nil
	}

	r, err := t.fetch(ctx, key)
	if err != nil {
		return transport.Read{}, err
	}
	if t.concurrency == Optimistic {
		// Commit validates the version last observed.
		t.reads[key] = r
	}
	return r, nil
}

func (t *transaction) write(w transport.Write) {
	if _, ok := t.writes[w.Key]; !ok {
		t.order = append(t.order, w.Key)
	}
	t.writes[w.Key] = w
}

// Get returns the value of key as seen by the transaction, including its own
// uncommitted writes.
func (tx *Tx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return nil, false, err
	}
	if w, ok := t.writes[key]; ok {
		if w.Remove {
			return nil, false, nil
		}
		return append([]byte(nil), w.Value...), true, nil
	}
	r, err := t.read(ctx, key, false)
	if err != nil {
		return nil, false, err
	}
	return r.Value, r.Found, nil
}

func (tx *Tx) Put(ctx context.Context, key string, value []byte) error {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return err
	}
	if t.concurrency == Pessimistic {
		if _, err := t.lock(ctx, key); err != nil {
			return err
		}
	}
	t.write(transport.Write{Key: key, Value: append([]byte(nil), value...)})
	return nil
}

// Remove deletes key on commit and returns the value it holds now.
func (tx *Tx) Remove(ctx context.Context, key string) ([]byte, bool, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return nil, false, err
	}
	value, found, err := t.current(ctx, key)
	if err != nil {
		return nil, false, err
	}
	t.write(transport.Write{Key: key, Remove: true})
	return value, found, nil
}

// current is the value of key including the transaction's own writes, read
// for update.
func (t *transaction) current(ctx context.Context, key string) ([]byte, bool, error) {
	if w, ok := t.writes[key]; ok {
		if w.Remove {
			return nil, false, nil
		}
		return w.Value, true, nil
	}
	r, err := t.read(ctx, key, true)
	if err != nil {
		return nil, false, err
	}
	return r.Value, r.Found, nil
}

// Invoke runs a processor against key inside the transaction. The processor
// sees the transaction's view of the entry and its mutation joins the
// write-set; a processor error leaves the transaction unchanged.
func (tx *Tx) Invoke(ctx context.Context, key string, inv processor.Invocation) (json.RawMessage, error) {
	t := tx.t
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.usable(); err != nil {
		return nil, err
	}
	p, err := inv.Resolve()
	if err != nil {
		return nil, common.Unclassified(err)
	}
	value, found, err := t.current(ctx, key)
	if err != nil {
		return nil, err
	}

	result, m, err := processor.Execute(p, key, value, found, inv.Args)
	if err != nil {
		return nil, err
	}
	switch {
	case !m.Changed:
	case m.Remove:
		t.write(transport.Write{Key: key, Remove: true})
	default:
		t.write(transport.Write{Key: key, Value: m.Value})
	}
	return result, nil
}

// participants groups the prepare requests by owning node. Nodes holding
// only locks of the transaction still take part so their locks are released
// by Commit.
func (t *transaction) participants() map[string]*transport.PrepareRequest {
	reqs := make(map[string]*transport.PrepareRequest)
	req := func(node string) *transport.PrepareRequest {
		r, ok := reqs[node]
		if !ok {
			r = &transport.PrepareRequest{
				TopologyVersion: t.view.Version(),
				TxID:            t.id,
				Optimistic:      t.concurrency == Optimistic,
				Timeout:         t.tm.cfg.LockTimeout,
			}
			reqs[node] = r
		}
		return r
	}

	for node := range t.nodes {
		req(node)
	}
	for _, key := range t.order {
		r := req(t.view.OwnerOfKey(key))
		r.Writes = append(r.Writes, t.writes[key])
	}
	if t.concurrency == Optimistic {
		for key, read := range t.reads {
			r := req(t.view.OwnerOfKey(key))
			if r.Reads == nil {
				r.Reads = make(map[string]uint64)
			}
			r.Reads[key] = read.Version
		}
	}
	return reqs
}

func (t *transaction) commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Active {
		return fmt.Errorf("%w: %s is %s", ErrFinished, t.id, t.state)
	}
	if t.rollbackOnly {
		t.abort(ctx)
		return common.Unclassified(fmt.Errorf("commit %s: %w", t.id, ErrRollbackOnly))
	}
	if err := t.checkTopology(); err != nil {
		t.abort(ctx)
		return err
	}

	if t.tm.cfg.CommitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.tm.cfg.CommitTimeout)
		defer cancel()
	}

	reqs := t.participants()
	for node := range reqs {
		t.nodes[node] = struct{}{}
	}

	t.state = Preparing
	prepare := pool.New().WithContext(ctx).WithFirstError()
	for node, req := range reqs {
		prepare.Go(func(ctx context.Context) error {
			peer, err := t.tm.cluster.Peer(node)
			if err != nil {
				return err
			}
			_, err = peer.Prepare(ctx, *req)
			return err
		})
	}
	if err := prepare.Wait(); err != nil {
		slog.Debug("transaction prepare failed", "tx", t.id, "error", err)
		t.abort(context.WithoutCancel(ctx))
		return commitError(t.id, err)
	}

	t.state = Committing
	var (
		mu        sync.Mutex
		commitErr error
	)
	finish := pool.New().WithContext(context.WithoutCancel(ctx))
	for node := range reqs {
		finish.Go(func(ctx context.Context) error {
			peer, err := t.tm.cluster.Peer(node)
			if err == nil {
				_, err = peer.Commit(ctx, transport.CommitRequest{TxID: t.id})
			}
			if err != nil {
				mu.Lock()
				commitErr = multierr.Append(commitErr, fmt.Errorf("commit on node %s: %w", node, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = finish.Wait()

	t.state = Committed
	t.tm.finished(t, true)
	if commitErr != nil {
		slog.Error("transaction partially committed", "tx", t.id, "error", commitErr)
		return common.Unclassified(commitErr)
	}
	slog.Debug("transaction committed", "tx", t.id, "participants", len(reqs), "writes", len(t.order))
	return nil
}

func commitError(txID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return common.Unclassified(fmt.Errorf("commit %s timed out: %w", txID, err))
	}
	return err
}

func (t *transaction) rollback(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Committed || t.state == RolledBack {
		return
	}
	t.abort(ctx)
}

// abort releases everything the transaction holds on its participants.
// Callers hold mu.
func (t *transaction) abort(ctx context.Context) {
	var err error
	for node := range t.nodes {
		peer, perr := t.tm.cluster.Peer(node)
		if perr == nil {
			_, perr = peer.Release(ctx, transport.ReleaseRequest{TxID: t.id})
		}
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("release on node %s: %w", node, perr))
		}
	}
	if err != nil {
		slog.Warn("transaction release failed", "tx", t.id, "error", err)
	}

	t.state = RolledBack
	t.writes = make(map[string]transport.Write)
	t.order = nil
	t.tm.finished(t, false)
	slog.Debug("transaction rolled back", "tx", t.id)
}
