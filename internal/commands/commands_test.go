package commands

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/gridmanager"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type client struct {
	t       *testing.T
	gm      *gridmanager.GridManager
	session *Session
}

func newClients(t *testing.T) (*client, *client) {
	t.Helper()
	cfg := gridmanager.DefaultConfig("")
	cfg.Partitions = 8
	cfg.LockTimeout = 200 * time.Millisecond
	c, err := gridmanager.NewLocalCluster(context.Background(), cfg, "a", "b")
	require.NoError(t, err)
	t.Cleanup(c.Close)

	a := &client{t: t, gm: c.Node("a"), session: NewSession()}
	b := &client{t: t, gm: c.Node("b"), session: NewSession()}
	t.Cleanup(a.session.Close)
	t.Cleanup(b.session.Close)
	return a, b
}

func (c *client) run(op string, args ...string) (string, error) {
	c.t.Helper()
	spec, ok := Get(op)
	require.True(c.t, ok, op)
	res, err := spec.Handler(c.gm, &common.Command{Operation: op, Args: args}, &CommandContext{Ctx: context.Background(), Session: c.session})
	return string(res), err
}

func (c *client) ok(op string, args ...string) string {
	c.t.Helper()
	res, err := c.run(op, args...)
	require.NoError(c.t, err, op)
	return res
}

func TestPlainCommands(t *testing.T) {
	a, b := newClients(t)

	assert.Equal(t, "-1", a.ok("GET", "k"))
	assert.Equal(t, "OK", a.ok("PUT", "k", "v1"))
	assert.Equal(t, "v1", b.ok("get", "k"))
	assert.Equal(t, "v1", b.ok("DELETE", "k"))
	assert.Equal(t, "-1", a.ok("DELETE", "k"))

	_, err := a.run("GET")
	assert.Error(t, err)
	_, err = a.run("PUT", "k", "v", "tx", "extra")
	assert.Error(t, err)
}

func TestTransactionCommands(t *testing.T) {
	a, b := newClients(t)

	tx := a.ok("BEGIN")
	assert.Equal(t, "OK", a.ok("PUT", "k1", "v1", tx))
	assert.Equal(t, "v1", a.ok("GET", "k1", tx))
	assert.Equal(t, "-1", b.ok("GET", "k1"))
	assert.Equal(t, "OK", a.ok("COMMIT", tx))
	assert.Equal(t, "v1", b.ok("GET", "k1"))

	_, err := a.run("COMMIT", tx)
	assert.ErrorIs(t, err, ErrUnknownTransaction)

	tx = b.ok("BEGIN", "optimistic", "read_committed")
	assert.Equal(t, "OK", b.ok("PUT", "k1", "v2", tx))
	assert.Equal(t, "OK", b.ok("ROLLBACK", tx))
	assert.Equal(t, "v1", a.ok("GET", "k1"))

	_, err = a.run("BEGIN", "SERIALIZABLE")
	assert.Error(t, err)
	_, err = a.run("GET", "k1", "no-such-tx")
	assert.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestClosedSessionRollsBack(t *testing.T) {
	a, b := newClients(t)

	tx := a.ok("BEGIN")
	a.ok("PUT", "locked", "x", tx)
	assert.Equal(t, 1, a.session.Open())

	_, err := b.run("PUT", "locked", "y")
	assert.ErrorIs(t, err, common.ErrRollbackConflict, "the open transaction holds the lock")

	a.session.Close()
	assert.Equal(t, 0, a.session.Open())
	assert.Equal(t, "OK", b.ok("PUT", "locked", "y"))
	assert.Equal(t, "y", a.ok("GET", "locked"))
}

func TestQueryCommands(t *testing.T) {
	a, b := newClients(t)

	a.ok("PUT", "user/1", "10")
	a.ok("PUT", "user/2", "20")
	a.ok("PUT", "user/3", "30")
	a.ok("PUT", "order/1", `{"total": 5}`)
	a.ok("PUT", "order/2", `{"total": 15}`)

	assert.Equal(t, "5", b.ok("COUNT"))
	assert.Equal(t, "3", b.ok("COUNT", "WHERE key_prefix = user/"))
	assert.Equal(t, "2", b.ok("COUNT", `CEL key.startsWith("user/") && int(value) > 10`))

	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(b.ok("CGET", "WHERE key_prefix = order/")), &got))
	assert.Equal(t, map[string]string{"order/1": `{"total": 5}`, "order/2": `{"total": 15}`}, got)

	require.NoError(t, json.Unmarshal([]byte(a.ok("RGET", "user/2", "user/9")), &got))
	assert.Equal(t, map[string]string{"user/2": "20", "user/3": "30"}, got)

	require.NoError(t, json.Unmarshal([]byte(a.ok("SCAN", "*")), &got))
	assert.Len(t, got, 5)

	assert.Equal(t, "20", a.ok("AVG", "WHERE key_prefix = user/"))
	assert.Equal(t, "10", a.ok("AVG", "WHERE key_prefix = order/", "total"))

	_, err := a.run("CGET", "key_prefix = x")
	assert.Error(t, err)
	_, err = a.run("RGET", "b", "a")
	assert.Error(t, err)
	_, err = a.run("SCAN", "nonsense")
	assert.Error(t, err)
}

func TestItemCommands(t *testing.T) {
	a, b := newClients(t)

	assert.JSONEq(t, `["C1"]`, a.ok("PUSH", "P", "C1"))
	assert.JSONEq(t, `["C1","C2"]`, b.ok("PUSH", "P", "C2"))
	assert.JSONEq(t, `["C1","C2"]`, a.ok("CHILDREN", "P"))

	tx := b.ok("BEGIN")
	assert.JSONEq(t, `["C2"]`, b.ok("POP", "P", "C1", tx))
	b.ok("ROLLBACK", tx)
	assert.JSONEq(t, `["C1","C2"]`, a.ok("CHILDREN", "P"))

	_, err := a.run("CHILDREN", "missing")
	assert.Error(t, err)
}

func TestTopologyCommand(t *testing.T) {
	a, _ := newClients(t)
	a.ok("PUT", "k", "v")

	var info struct {
		Node       string           `json:"node"`
		Version    uint64           `json:"version"`
		Stable     uint64           `json:"stable"`
		Partitions int              `json:"partitions"`
		Owners     map[string][]int `json:"owners"`
	}
	require.NoError(t, json.Unmarshal([]byte(a.ok("TOPOLOGY")), &info))
	assert.Equal(t, "a", info.Node)
	assert.Equal(t, uint64(1), info.Version)
	assert.Equal(t, uint64(1), info.Stable)
	assert.Equal(t, 8, info.Partitions)
	assert.Len(t, info.Owners["a"], 4)
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"GET", "PUT", "DELETE", "BEGIN", "COMMIT", "ROLLBACK", "COUNT", "SCAN", "CGET", "RGET", "AVG", "TOPOLOGY", "PUSH", "POP", "CHILDREN"} {
		_, ok := Get(name)
		assert.True(t, ok, name)
	}
	assert.Contains(t, Names(), "COMMIT")
}
