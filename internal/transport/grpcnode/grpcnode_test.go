package grpcnode

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/future"
	"gridkv/internal/processor"
	"gridkv/internal/store"
	"gridkv/internal/storemanager"
	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

var errNegative = errors.New("negative value")

func init() {
	processor.Register("grpc-test-double", processor.Typed(func(e processor.TypedEntry[int], _ any) (any, error) {
		n, err := e.Get()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errNegative
		}
		n *= 2
		return n, e.Set(n)
	}))
}

type node struct {
	sm        *storemanager.StoreManager
	server    *grpc.Server
	transport *Transport
}

type grid struct {
	view      *topology.View
	listeners map[string]*bufconn.Listener
	nodes     map[string]*node
}

func newGrid(t *testing.T) *grid {
	t.Helper()
	addrs := map[string]string{"a": "passthrough:///a", "b": "passthrough:///b"}
	view, err := topology.RoundRobin(1, 8, []string{"a", "b"}, addrs)
	require.NoError(t, err)

	g := &grid{view: view, listeners: make(map[string]*bufconn.Listener), nodes: make(map[string]*node)}
	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := g.listeners[addr]
		if !ok {
			return nil, fmt.Errorf("no listener for %s", addr)
		}
		return lis.DialContext(ctx)
	})

	for _, name := range []string{"a", "b"} {
		g.listeners[name] = bufconn.Listen(1 << 20)
	}
	for _, name := range []string{"a", "b"} {
		holder := topology.NewHolder(view)
		tr := NewTransport(holder, dialer)
		sm := storemanager.NewStoreManager(name, holder, store.NewNodeStore(), tr, storemanager.Config{
			LockTimeout:          time.Second,
			LockTimeoutRetryable: true,
		})
		sm.Rebalance(context.Background(), nil)

		server := NewServer(sm.Handler())
		lis := g.listeners[name]
		go func() {
			_ = server.Serve(lis)
		}()

		g.nodes[name] = &node{sm: sm, server: server, transport: tr}
		t.Cleanup(func() {
			server.Stop()
			_ = tr.Close()
		})
	}
	return g
}

func (g *grid) keyOn(t *testing.T, owner, prefix string) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("%s-%d", prefix, i)
		if g.view.OwnerOfKey(key) == owner {
			return key
		}
	}
	t.Fatalf("no key for node %s", owner)
	return ""
}

func TestRoutedOperations(t *testing.T) {
	g := newGrid(t)
	ctx := context.Background()
	a := g.nodes["a"].sm
	key := g.keyOn(t, "b", "k")

	require.NoError(t, a.Put(ctx, 1, key, []byte(`{"v":1}`)))
	assert.Equal(t, 1, g.nodes["b"].sm.Size())
	assert.Equal(t, 0, a.Size())

	value, found, err := a.Get(ctx, 1, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"v":1}`, string(value))

	old, found, err := a.Remove(ctx, 1, key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.JSONEq(t, `{"v":1}`, string(old))

	r, err := a.Read(ctx, 1, key)
	require.NoError(t, err)
	assert.False(t, r.Found)
	assert.Equal(t, uint64(2), r.Version)
}

func TestInvokeAllCarriesProcessorFaults(t *testing.T) {
	g := newGrid(t)
	ctx := context.Background()
	a := g.nodes["a"].sm
	good, bad, local := g.keyOn(t, "b", "g"), g.keyOn(t, "b", "n"), g.keyOn(t, "a", "l")

	require.NoError(t, a.Put(ctx, 1, good, []byte("21")))
	require.NoError(t, a.Put(ctx, 1, bad, []byte("-1")))
	require.NoError(t, a.Put(ctx, 1, local, []byte("4")))

	inv, err := processor.Named("grpc-test-double", nil)
	require.NoError(t, err)
	results, err := a.InvokeAll(ctx, 1, []string{good, bad, local}, inv)
	require.NoError(t, err)

	assert.NoError(t, results[good].Err)
	assert.JSONEq(t, "42", string(results[good].Value))
	assert.NoError(t, results[local].Err)
	assert.JSONEq(t, "8", string(results[local].Value))

	// The business error crossed the wire as text.
	require.ErrorIs(t, results[bad].Err, common.ErrProcessor)
	assert.Contains(t, results[bad].Err.Error(), errNegative.Error())

	value, _, err := a.Get(ctx, 1, bad)
	require.NoError(t, err)
	assert.Equal(t, "-1", string(value))
}

func TestTopologyMismatchKeepsVersion(t *testing.T) {
	g := newGrid(t)
	ctx := context.Background()
	a := g.nodes["a"].sm

	v2, err := topology.RoundRobin(2, 8, []string{"a", "b"}, g.view.Addrs())
	require.NoError(t, err)
	require.NoError(t, a.Holder().Install(v2))
	a.Rebalance(ctx, g.view)

	_, _, err = a.Get(ctx, 2, g.keyOn(t, "b", "m"))
	require.ErrorIs(t, err, common.ErrTopologyMismatch)
	ge, ok := common.AsError(err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), ge.TopologyVersion)

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, ge.RetryReady().Wait(wctx), "a is already stable at 2")
}

func TestOptimisticConflictOverTheWire(t *testing.T) {
	g := newGrid(t)
	ctx := context.Background()
	a := g.nodes["a"].sm
	key := g.keyOn(t, "b", "o")
	require.NoError(t, a.Put(ctx, 1, key, []byte("1")))
	require.NoError(t, a.Put(ctx, 1, key, []byte("2")))

	peer, err := a.Peer("b")
	require.NoError(t, err)
	_, err = peer.Prepare(ctx, transport.PrepareRequest{
		TopologyVersion: 1,
		TxID:            "tx-1",
		Optimistic:      true,
		Reads:           map[string]uint64{key: 1},
		Writes:          []transport.Write{{Key: key, Value: []byte("tx")}},
		Timeout:         time.Second,
	})
	require.ErrorIs(t, err, common.ErrRollbackConflict)
	_, err = peer.Release(ctx, transport.ReleaseRequest{TxID: "tx-1"})
	require.NoError(t, err)

	_, err = peer.Prepare(ctx, transport.PrepareRequest{
		TopologyVersion: 1,
		TxID:            "tx-2",
		Optimistic:      true,
		Reads:           map[string]uint64{key: 2},
		Writes:          []transport.Write{{Key: key, Value: []byte("tx")}},
		Timeout:         time.Second,
	})
	require.NoError(t, err)
	_, err = peer.Commit(ctx, transport.CommitRequest{TxID: "tx-2"})
	require.NoError(t, err)

	value, _, err := a.Get(ctx, 1, key)
	require.NoError(t, err)
	assert.Equal(t, "tx", string(value))
}

func TestStoppedPeerIsClientDisconnected(t *testing.T) {
	g := newGrid(t)
	ctx := context.Background()
	g.nodes["b"].server.Stop()

	_, _, err := g.nodes["a"].sm.Get(ctx, 1, g.keyOn(t, "b", "s"))
	require.ErrorIs(t, err, common.ErrClientDisconnected)
	ge, _ := common.AsError(err)
	assert.NotNil(t, ge.RetryReady())
}

func TestStoppedPeerSharesOneReconnectWatcher(t *testing.T) {
	g := newGrid(t)
	ctx := context.Background()
	g.nodes["b"].server.Stop()
	key := g.keyOn(t, "b", "w")

	var barriers []future.Barrier
	for i := 0; i < 10; i++ {
		_, _, err := g.nodes["a"].sm.Get(ctx, 1, key)
		require.ErrorIs(t, err, common.ErrClientDisconnected)
		ge, _ := common.AsError(err)
		barriers = append(barriers, ge.RetryReady())
	}

	tr := g.nodes["a"].transport
	tr.mu.Lock()
	pending := len(tr.reconnects)
	tr.mu.Unlock()
	assert.Equal(t, 1, pending)
	for _, b := range barriers[1:] {
		assert.Same(t, barriers[0], b)
	}

	require.NoError(t, tr.Close())
	assert.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.reconnects) == 0
	}, time.Second, 10*time.Millisecond)
}
