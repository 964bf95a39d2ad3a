package processor

import (
	"encoding/json"
	"errors"
	"testing"

	"gridkv/internal/common"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N int `json:"n"`
}

var increment = Typed(func(e TypedEntry[counter], by int) (any, error) {
	c, err := e.Get()
	if err != nil {
		return nil, err
	}
	c.N += by
	return c.N, e.Set(c)
})

func init() {
	Register("test-increment", increment)
}

func TestExecuteSetsValue(t *testing.T) {
	args, _ := Args(5)
	ret, m, err := Execute(increment, "k", []byte(`{"n":1}`), true, args)
	require.NoError(t, err)
	assert.JSONEq(t, "6", string(ret))
	assert.True(t, m.Changed)
	assert.False(t, m.Remove)
	assert.JSONEq(t, `{"n":6}`, string(m.Value))

	n, err := Result[int](ret)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestExecuteOnAbsentKey(t *testing.T) {
	ret, m, err := Execute(increment, "k", nil, false, json.RawMessage("2"))
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(ret))
	assert.JSONEq(t, `{"n":2}`, string(m.Value))
}

func TestExecuteReadOnlyAndRemove(t *testing.T) {
	exists := Func(func(e Entry, _ json.RawMessage) (any, error) {
		return e.Exists(), nil
	})
	ret, m, err := Execute(exists, "k", []byte("1"), true, nil)
	require.NoError(t, err)
	assert.Equal(t, "true", string(ret))
	assert.False(t, m.Changed)

	remove := Func(func(e Entry, _ json.RawMessage) (any, error) {
		e.Remove()
		return nil, nil
	})
	ret, m, err = Execute(remove, "k", []byte("1"), true, nil)
	require.NoError(t, err)
	assert.Nil(t, ret)
	assert.Equal(t, Mutation{Changed: true, Remove: true}, m)

	_, m, err = Execute(remove, "k", nil, false, nil)
	require.NoError(t, err)
	assert.False(t, m.Changed)
}

func TestExecuteBusinessError(t *testing.T) {
	errNotFound := errors.New("item not found")
	failing := Func(func(e Entry, _ json.RawMessage) (any, error) {
		e.SetValue([]byte("partial"))
		return nil, errNotFound
	})

	_, m, err := Execute(failing, "k", []byte("1"), true, nil)
	assert.ErrorIs(t, err, errNotFound)
	assert.ErrorIs(t, err, common.ErrProcessor)
	assert.Equal(t, Mutation{}, m)
}

func TestExecuteDoesNotAliasInput(t *testing.T) {
	current := []byte("abc")
	upper := Func(func(e Entry, _ json.RawMessage) (any, error) {
		v := e.Value()
		v[0] = 'z'
		e.SetValue(v)
		return nil, nil
	})
	_, m, err := Execute(upper, "k", current, true, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(current))
	assert.Equal(t, "zbc", string(m.Value))
}

func TestInvocations(t *testing.T) {
	inv, err := Named("test-increment", 3)
	require.NoError(t, err)
	assert.True(t, inv.Shippable())
	assert.Equal(t, "test-increment", inv.String())

	p, err := inv.Resolve()
	require.NoError(t, err)
	ret, _, err := Execute(p, "k", nil, false, inv.Args)
	require.NoError(t, err)
	assert.Equal(t, "3", string(ret))

	_, err = Named("missing", nil)
	assert.Error(t, err)

	anon, err := Anonymous(increment, 1)
	require.NoError(t, err)
	assert.False(t, anon.Shippable())
	assert.Equal(t, "anonymous", anon.String())
}

func TestTypedRejectsBadArguments(t *testing.T) {
	_, _, err := Execute(increment, "k", nil, false, json.RawMessage(`"x"`))
	assert.ErrorIs(t, err, common.ErrProcessor)
}

func TestExecuteRecoversPanic(t *testing.T) {
	panicky := Func(func(e Entry, _ json.RawMessage) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})
	_, m, err := Execute(panicky, "k", nil, false, nil)
	assert.ErrorIs(t, err, common.ErrProcessor)
	assert.ErrorContains(t, err, "panicked")
	assert.Equal(t, Mutation{}, m)
}
