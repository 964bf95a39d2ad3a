package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/executor"
	"gridkv/internal/future"
	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNode answers Reduce over a fixed entry set after a delay.
type fakeNode struct {
	transport.Handler
	entries []common.Entry
	delay   time.Duration
	err     error
}

func (n *fakeNode) Reduce(ctx context.Context, req transport.ReduceRequest) (transport.ReduceResponse, error) {
	select {
	case <-time.After(n.delay):
	case <-ctx.Done():
		return transport.ReduceResponse{}, ctx.Err()
	}
	if n.err != nil {
		return transport.ReduceResponse{}, n.err
	}
	partial, err := ComputePartial(req, func(fn func(common.Entry) bool) {
		for _, e := range n.entries {
			if !fn(e) {
				return
			}
		}
	})
	return transport.ReduceResponse{Partial: partial}, err
}

type fakeCluster struct {
	holder *topology.Holder
	nodes  map[string]*fakeNode
}

func (c *fakeCluster) Holder() *topology.Holder { return c.holder }

func (c *fakeCluster) Peer(node string) (transport.Handler, error) {
	n, ok := c.nodes[node]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", node)
	}
	return n, nil
}

func newCluster(t *testing.T, nodes map[string]*fakeNode) *fakeCluster {
	t.Helper()
	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	view, err := topology.RoundRobin(1, len(names)*2, names, nil)
	require.NoError(t, err)
	return &fakeCluster{holder: topology.NewHolder(view), nodes: nodes}
}

func entry(key, value string) common.Entry {
	return common.Entry{Key: key, Value: []byte(value), Version: 1}
}

func salaries() map[string][]common.Entry {
	return map[string][]common.Entry{
		"a": {entry("emp/1", `{"salary": 100}`), entry("emp/2", `{"salary": 200}`)},
		"b": {entry("emp/3", `{"salary": 300}`), entry("dept/1", `{"name": "x"}`)},
		"c": {entry("emp/4", `{"salary": 400}`), entry("emp/5", `{"salary": 500}`), entry("emp/6", `{"salary": 600}`)},
	}
}

func averageQuery(t *testing.T, delays map[string]time.Duration) float64 {
	t.Helper()
	nodes := make(map[string]*fakeNode)
	for name, entries := range salaries() {
		nodes[name] = &fakeNode{entries: entries, delay: delays[name]}
	}
	ex := executor.New(4)
	defer ex.Close()

	q := NewReduceQuery[SumCount, float64](NewEngine(newCluster(t, nodes), ex))
	require.NoError(t, q.RemoteReducer(ReducerSumAndCount))
	require.NoError(t, q.LocalReducer(Average))
	require.NoError(t, q.Arguments("salary"))

	avg, err := q.Reduce(context.Background()).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Completed, q.State())
	return avg
}

func TestAverageIndependentOfCompletionOrder(t *testing.T) {
	first := averageQuery(t, map[string]time.Duration{"a": 30 * time.Millisecond, "b": 15 * time.Millisecond, "c": 0})
	second := averageQuery(t, map[string]time.Duration{"a": 0, "b": 15 * time.Millisecond, "c": 30 * time.Millisecond})

	assert.InDelta(t, 350.0, first, 1e-9)
	assert.InDelta(t, first, second, 1e-9)
}

func TestReduceRemoteReturnsPartials(t *testing.T) {
	nodes := make(map[string]*fakeNode)
	for name, entries := range salaries() {
		nodes[name] = &fakeNode{entries: entries}
	}
	ex := executor.New(2)
	defer ex.Close()

	q := NewReduceQuery[int64, int64](NewEngine(newCluster(t, nodes), ex))
	require.NoError(t, q.RemoteReducer(ReducerCount))
	require.NoError(t, q.Clause(Where("key_prefix = emp/")))

	partials, err := q.ReduceRemote(context.Background()).Get(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 1, 3}, partials)

	_, err = q.Reduce(context.Background()).Get(context.Background())
	assert.ErrorIs(t, err, ErrNoLocalReduce)
}

func TestConfigurationLocksAfterFirstExecution(t *testing.T) {
	nodes := map[string]*fakeNode{
		"a": {entries: []common.Entry{entry("k1", "1"), entry("k2", "5")}},
		"b": {entries: []common.Entry{entry("k3", "3")}},
	}
	ex := executor.New(1)
	defer ex.Close()

	q := NewReduceQuery[int64, int64](NewEngine(newCluster(t, nodes), ex))
	assert.Equal(t, Configured, q.State())
	_, err := q.Reduce(context.Background()).Get(context.Background())
	assert.ErrorIs(t, err, ErrNoReducer)

	require.NoError(t, q.RemoteReducer(ReducerCount))
	require.NoError(t, q.LocalReducer(func(p []int64) (int64, error) {
		var total int64
		for _, n := range p {
			total += n
		}
		return total, nil
	}))
	require.NoError(t, q.Clause(CEL("int(value) >= args[0]")))
	require.NoError(t, q.Arguments(2))

	n, err := q.Reduce(context.Background()).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	assert.ErrorIs(t, q.RemoteReducer(ReducerKeys), ErrLocked)
	assert.ErrorIs(t, q.Clause(All()), ErrLocked)

	// Arguments stay rebindable.
	require.NoError(t, q.Arguments(4))
	n, err = q.Reduce(context.Background()).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNodeFailureFailsQuery(t *testing.T) {
	nodes := make(map[string]*fakeNode)
	for name, entries := range salaries() {
		nodes[name] = &fakeNode{entries: entries}
	}
	nodes["b"].err = errors.New("connection reset")
	ex := executor.New(2)
	defer ex.Close()

	q := NewReduceQuery[SumCount, float64](NewEngine(newCluster(t, nodes), ex))
	require.NoError(t, q.RemoteReducer(ReducerSumAndCount))
	require.NoError(t, q.LocalReducer(Average))
	require.NoError(t, q.Arguments("salary"))

	_, err := q.Reduce(context.Background()).Get(context.Background())
	require.ErrorIs(t, err, common.ErrPartialFailure)
	ge, _ := common.AsError(err)
	assert.Equal(t, []string{"b"}, ge.Nodes)
	assert.Equal(t, Failed, q.State())
}

func TestTopologyFailureIsKept(t *testing.T) {
	nodes := map[string]*fakeNode{"a": {}, "b": {}}
	ready := future.New[struct{}]()
	nodes["a"].err = common.TopologyMismatch(2, ready, "partition 0 is not ready")
	ex := executor.New(2)
	defer ex.Close()

	q := NewReduceQuery[int64, int64](NewEngine(newCluster(t, nodes), ex))
	require.NoError(t, q.RemoteReducer(ReducerCount))

	_, err := q.ReduceRemote(context.Background()).Get(context.Background())
	require.ErrorIs(t, err, common.ErrTopologyMismatch)
	ge, _ := common.AsError(err)
	assert.Equal(t, future.Barrier(ready), ge.RetryReady())
}

func TestComputePartial(t *testing.T) {
	entries := []common.Entry{
		entry("item/1", `{"name": "a", "n": 1}`),
		entry("item/2", `{"name": "b", "n": 2}`),
		entry("children/1", `["item/2"]`),
	}
	scan := func(fn func(common.Entry) bool) {
		for _, e := range entries {
			if !fn(e) {
				return
			}
		}
	}

	raw, err := ComputePartial(transport.ReduceRequest{Clause: CEL(`key.startsWith("item/") && value.n > 1`), Reducer: ReducerKeys}, scan)
	require.NoError(t, err)
	assert.JSONEq(t, `["item/2"]`, string(raw))

	raw, err = ComputePartial(transport.ReduceRequest{Clause: Where("key_prefix = item/"), Reducer: ReducerEntries}, scan)
	require.NoError(t, err)
	var got []common.Entry
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got, 2)

	_, err = ComputePartial(transport.ReduceRequest{Clause: CEL("key +"), Reducer: ReducerCount}, scan)
	assert.Error(t, err)
	_, err = ComputePartial(transport.ReduceRequest{Reducer: "missing"}, scan)
	assert.Error(t, err)
	_, err = ComputePartial(transport.ReduceRequest{Reducer: ReducerSumAndCount}, scan)
	assert.Error(t, err, "values are not numbers")
}
