package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gridkv/internal/common"
	"gridkv/internal/executor"
	"gridkv/internal/future"
	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"github.com/sourcegraph/conc/pool"
)

var (
	ErrLocked        = errors.New("query configuration is locked after the first execution")
	ErrNoReducer     = errors.New("query has no remote reducer")
	ErrNoLocalReduce = errors.New("query has no local reducer, use ReduceRemote")
)

// State is the lifecycle of a ReduceQuery.
type State int

const (
	Configured State = iota
	Locked
	Executing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Configured:
		return "CONFIGURED"
	case Locked:
		return "LOCKED"
	case Executing:
		return "EXECUTING"
	case Completed:
		return "COMPLETED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Cluster is what the engine needs from the local node.
type Cluster interface {
	Holder() *topology.Holder
	Peer(node string) (transport.Handler, error)
}

// Engine fans reduce queries out to the nodes of the current topology.
type Engine struct {
	cluster Cluster
	exec    *executor.Executor
}

func NewEngine(cluster Cluster, exec *executor.Executor) *Engine {
	return &Engine{cluster: cluster, exec: exec}
}

// ReduceQuery is a reusable map-reduce query. Every node folds its matching
// entries with the remote reducer into one R1; the caller folds the partials
// into R2 with the local reducer. Partials arrive in no particular order, so
// both reducers must be commutative.
type ReduceQuery[R1, R2 any] struct {
	engine *Engine

	mu       sync.Mutex
	state    State
	inflight int
	clause   transport.Clause
	remote   string
	local    func([]R1) (R2, error)
	args     json.RawMessage
}

func NewReduceQuery[R1, R2 any](e *Engine) *ReduceQuery[R1, R2] {
	return &ReduceQuery[R1, R2]{engine: e, clause: All()}
}

func (q *ReduceQuery[R1, R2]) configure(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != Configured {
		return ErrLocked
	}
	fn()
	return nil
}

func (q *ReduceQuery[R1, R2]) Clause(c transport.Clause) error {
	return q.configure(func() { q.clause = c })
}

// RemoteReducer names the registered reducer run on every node.
func (q *ReduceQuery[R1, R2]) RemoteReducer(name string) error {
	if _, ok := lookupReducer(name); !ok {
		return fmt.Errorf("reducer %q is not registered", name)
	}
	return q.configure(func() { q.remote = name })
}

func (q *ReduceQuery[R1, R2]) LocalReducer(fn func([]R1) (R2, error)) error {
	return q.configure(func() { q.local = fn })
}

// Arguments rebinds the arguments of the next execution. Running executions
// keep the arguments they started with.
func (q *ReduceQuery[R1, R2]) Arguments(values ...any) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode query arguments: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.args = raw
	return nil
}

func (q *ReduceQuery[R1, R2]) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.state
}

func (q *ReduceQuery[R1, R2]) start(needLocal bool) (transport.ReduceRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.remote == "" {
		return transport.ReduceRequest{}, ErrNoReducer
	}
	if needLocal && q.local == nil {
		return transport.ReduceRequest{}, ErrNoLocalReduce
	}
	if q.inflight == 0 {
		q.state = Locked
	}
	q.inflight++
	return transport.ReduceRequest{Clause: q.clause, Reducer: q.remote, Args: q.args}, nil
}

func (q *ReduceQuery[R1, R2]) running() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.state = Executing
}

func (q *ReduceQuery[R1, R2]) finish(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight--
	if q.inflight > 0 {
		return
	}
	if err != nil {
		q.state = Failed
	} else {
		q.state = Completed
	}
}

// ReduceRemote runs the query and returns the partial of every node.
func (q *ReduceQuery[R1, R2]) ReduceRemote(ctx context.Context) *future.Future[[]R1] {
	req, err := q.start(false)
	if err != nil {
		return future.Failed[[]R1](err)
	}
	return executor.Submit(q.engine.exec, func() ([]R1, error) {
		q.running()
		partials, err := gather[R1](ctx, q.engine.cluster, req)
		q.finish(err)
		return partials, err
	})
}

// Reduce runs the query and folds the partials with the local reducer.
func (q *ReduceQuery[R1, R2]) Reduce(ctx context.Context) *future.Future[R2] {
	req, err := q.start(true)
	if err != nil {
		return future.Failed[R2](err)
	}
	q.mu.Lock()
	local := q.local
	q.mu.Unlock()

	return executor.Submit(q.engine.exec, func() (R2, error) {
		var result R2
		q.running()
		partials, err := gather[R1](ctx, q.engine.cluster, req)
		if err == nil {
			result, err = local(partials)
		}
		q.finish(err)
		return result, err
	})
}

// gather sends req to every node of the current view and decodes the
// partials. Any node failing fails the query: with its TopologyMismatch when
// the topology moved, with a PartialFailure naming the nodes otherwise.
func gather[R1 any](ctx context.Context, cluster Cluster, req transport.ReduceRequest) ([]R1, error) {
	view := cluster.Holder().Current()
	if view == nil {
		return nil, common.TopologyMismatch(0, cluster.Holder().AwaitStable(1), "no topology installed")
	}
	req.TopologyVersion = view.Version()
	nodes := view.Nodes()

	var (
		mu      sync.Mutex
		failed  []string
		topoErr error
	)
	p := pool.NewWithResults[R1]().WithContext(ctx).WithMaxGoroutines(len(nodes))
	for _, node := range nodes {
		p.Go(func(ctx context.Context) (R1, error) {
			partial, err := reduceOn[R1](ctx, cluster, node, req)
			if err != nil {
				mu.Lock()
				failed = append(failed, node)
				if topoErr == nil && errors.Is(err, common.ErrTopologyMismatch) {
					topoErr = err
				}
				mu.Unlock()
				slog.Debug("reduce partial failed", "node", node, "error", err)
			}
			return partial, err
		})
	}

	partials, err := p.Wait()
	if err == nil {
		return partials, nil
	}
	if topoErr != nil {
		return nil, topoErr
	}
	sort.Strings(failed)
	return nil, common.PartialFailure(failed, err)
}

func reduceOn[R1 any](ctx context.Context, cluster Cluster, node string, req transport.ReduceRequest) (R1, error) {
	var partial R1
	peer, err := cluster.Peer(node)
	if err != nil {
		return partial, err
	}
	resp, err := peer.Reduce(ctx, req)
	if err != nil {
		return partial, err
	}
	if err := json.Unmarshal(resp.Partial, &partial); err != nil {
		return partial, fmt.Errorf("decode partial of node %s: %w", node, err)
	}
	return partial, nil
}
