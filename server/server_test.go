package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"gridkv/internal/gridmanager"
	"gridkv/internal/parser"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conn struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, addr string) *conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &conn{t: t, c: c, r: bufio.NewReader(c)}
}

func (c *conn) send(line string) string {
	c.t.Helper()
	require.NoError(c.t, c.c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.c.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
	reply, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return parser.DecodeReply(strings.TrimSuffix(reply, "\n"))
}

func startServer(t *testing.T) string {
	t.Helper()
	addr, _ := startCluster(t)
	return addr
}

func startCluster(t *testing.T) (string, *gridmanager.LocalCluster) {
	t.Helper()
	cfg := gridmanager.DefaultConfig("")
	cfg.Partitions = 8
	cluster, err := gridmanager.NewLocalCluster(context.Background(), cfg, "a", "b")
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewCommandServer(cluster.Node("a")).Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ln.Addr().String(), cluster
}

func TestCommandProtocol(t *testing.T) {
	addr := startServer(t)
	c := dial(t, addr)

	assert.Equal(t, "OK", c.send(`PUT greeting "hello world"`))
	assert.Equal(t, "hello world", c.send("get greeting"))
	assert.Equal(t, "1", c.send("COUNT"))
	assert.True(t, strings.HasPrefix(c.send("FLY away"), "ERR unknown command"))
	assert.True(t, strings.HasPrefix(c.send("GET"), "ERR "))
}

func TestDisconnectRollsBackOpenTransactions(t *testing.T) {
	addr := startServer(t)

	first := dial(t, addr)
	tx := first.send("BEGIN")
	require.False(t, strings.HasPrefix(tx, "ERR"), tx)
	assert.Equal(t, "OK", first.send("PUT k uncommitted "+tx))
	require.NoError(t, first.c.Close())

	second := dial(t, addr)
	assert.Eventually(t, func() bool {
		return second.send("PUT k committed") == "OK"
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, "committed", second.send("GET k"))
}

func TestRepliesKeepLineFraming(t *testing.T) {
	addr, cluster := startCluster(t)
	ctx := context.Background()
	require.NoError(t, cluster.Node("b").Put(ctx, "multi", []byte("first\nsecond\\n")))

	c := dial(t, addr)
	require.NoError(t, c.c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.c.Write([]byte("GET multi\n"))
	require.NoError(t, err)
	raw, err := c.r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, `first\nsecond\\n`+"\n", raw)

	assert.Equal(t, "first\nsecond\\n", c.send("GET multi"))
	assert.Equal(t, "OK", c.send("PUT after 1"), "the next reply starts on its own line")
}
