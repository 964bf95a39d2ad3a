package gridmanager

import (
	"context"
	"fmt"
	"testing"
	"time"

	"gridkv/internal/processor"
	"gridkv/internal/query"
	"gridkv/internal/transactionmanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	processor.Register("gm-test-increment", processor.Typed(func(e processor.TypedEntry[int], by int) (any, error) {
		n, err := e.Get()
		if err != nil {
			return nil, err
		}
		n += by
		return n, e.Set(n)
	}))
}

func testConfig() Config {
	cfg := DefaultConfig("")
	cfg.Partitions = 16
	cfg.WorkerPoolSize = 8
	cfg.LockTimeout = time.Second
	cfg.CommitTimeout = 5 * time.Second
	return cfg
}

func newTestCluster(t *testing.T, names ...string) *LocalCluster {
	t.Helper()
	c, err := NewLocalCluster(context.Background(), testConfig(), names...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestCacheOperationsFromAnyNode(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, c.Node("a").Put(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprint(i))))
	}
	for _, name := range []string{"a", "b", "c"} {
		v, found, err := c.Node(name).Get(ctx, "k12")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, "12", string(v), name)
	}

	old, found, err := c.Node("b").Remove(ctx, "k12")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "12", string(old))

	_, found, err = c.Node("c").Get(ctx, "k12")
	require.NoError(t, err)
	assert.False(t, found)

	n, err := c.Node("c").Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(29), n)

	local := 0
	for _, name := range []string{"a", "b", "c"} {
		local += c.Node(name).LocalSize()
	}
	assert.Equal(t, 29, local)
}

func TestAsyncOperations(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	ctx := context.Background()
	gm := c.Node("a")

	require.NoError(t, gm.PutAsync(ctx, "counter", []byte("1")).Wait(ctx))

	inv, err := processor.Named("gm-test-increment", 4)
	require.NoError(t, err)
	ret, err := gm.InvokeAsync(ctx, "counter", inv).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", string(ret))

	v, err := gm.GetAsync(ctx, "counter").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", string(v))

	old, err := gm.RemoveAsync(ctx, "counter").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5", string(old))
}

func TestInvokeAllAcrossNodes(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	ctx := context.Background()

	keys := []string{"x", "y", "z", "w"}
	inv, err := processor.Named("gm-test-increment", 2)
	require.NoError(t, err)
	results, err := c.Node("b").InvokeAll(ctx, keys, inv)
	require.NoError(t, err)
	require.Len(t, results, len(keys))
	for _, key := range keys {
		require.NoError(t, results[key].Err)
		assert.Equal(t, "2", string(results[key].Value), key)
	}
}

func TestCacheCallsJoinAmbientTransaction(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	ctx := context.Background()
	gm := c.Node("a")

	txCtx, tx, err := gm.Begin(ctx, transactionmanager.Pessimistic, transactionmanager.RepeatableRead)
	require.NoError(t, err)
	require.NoError(t, gm.Put(txCtx, "k1", []byte("v1")))
	require.NoError(t, gm.Put(txCtx, "k2", []byte("v2")))

	v, found, err := gm.Get(txCtx, "k1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", string(v))

	_, found, err = c.Node("b").Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, found, "uncommitted writes are invisible outside")

	require.NoError(t, tx.Commit(txCtx))
	require.NoError(t, tx.Close())

	v, _, err = c.Node("b").Get(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))
}

func TestInTxRollsBackOnError(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	ctx := context.Background()
	gm := c.Node("b")

	boom := fmt.Errorf("boom")
	err := gm.InTx(ctx, transactionmanager.Optimistic, transactionmanager.ReadCommitted, func(ctx context.Context, _ *transactionmanager.Tx) error {
		require.NoError(t, gm.Put(ctx, "k", []byte("v")))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, found, err := gm.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 0, gm.TransactionManager.Stats().Active)
}

func TestJoinMovesDataAndKeepsIt(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Node("a").Put(ctx, fmt.Sprintf("k%d", i), []byte(fmt.Sprint(i))))
	}

	gm, err := c.Join(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gm.Holder.Version())
	assert.Positive(t, gm.LocalSize())

	for i := 0; i < 50; i++ {
		v, found, err := gm.Get(ctx, fmt.Sprintf("k%d", i))
		require.NoError(t, err)
		require.True(t, found, i)
		assert.Equal(t, fmt.Sprint(i), string(v))
	}

	require.NoError(t, c.Leave(ctx, "a"))
	assert.Nil(t, c.Node("a"))
	n, err := c.Node("b").Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestCountWithClause(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Node("a").Put(ctx, fmt.Sprintf("user/%d", i), []byte(fmt.Sprint(i))))
		require.NoError(t, c.Node("a").Put(ctx, fmt.Sprintf("order/%d", i), []byte(fmt.Sprint(i))))
	}
	n, err := c.Node("b").Count(ctx, query.Where("key_prefix = user/"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	n, err = c.Node("b").Count(ctx, query.CEL("int(value) >= 5"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}
