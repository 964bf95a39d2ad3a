package topology

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinAssignment(t *testing.T) {
	v, err := RoundRobin(1, 6, []string{"a", "b", "c"}, map[string]string{"a": "127.0.0.1:1"})
	require.NoError(t, err)

	want := map[string][]int{
		"a": {0, 3},
		"b": {1, 4},
		"c": {2, 5},
	}
	if diff := cmp.Diff(want, v.ByOwner()); diff != "" {
		t.Errorf("ByOwner mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"a", "b", "c"}, v.Nodes())
	assert.Equal(t, "127.0.0.1:1", v.Addr("a"))
	assert.Equal(t, "", v.Owner(17))
}

func TestPartitionOfIsStable(t *testing.T) {
	v, err := RoundRobin(1, 16, []string{"a"}, nil)
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("item/%d", i)
		p := v.PartitionOf(key)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 16)
		assert.Equal(t, p, v.PartitionOf(key))
	}
}

func TestNewViewRejectsBadInput(t *testing.T) {
	_, err := NewView(0, []string{"a"}, nil)
	assert.Error(t, err)
	_, err = NewView(1, nil, nil)
	assert.Error(t, err)
	_, err = NewView(1, []string{"a", ""}, nil)
	assert.Error(t, err)
}

func TestViewIsNotAliased(t *testing.T) {
	assignment := []string{"a", "b"}
	v, err := NewView(1, assignment, nil)
	require.NoError(t, err)

	assignment[0] = "z"
	assert.Equal(t, "a", v.Owner(0))

	cp := v.Assignment()
	cp[1] = "z"
	assert.Equal(t, "b", v.Owner(1))
}

func TestInstallOnlyNewer(t *testing.T) {
	h := NewHolder(nil)
	assert.Nil(t, h.Current())
	assert.Equal(t, uint64(0), h.Version())

	v2, _ := RoundRobin(2, 4, []string{"a"}, nil)
	require.NoError(t, h.Install(v2))

	v1, _ := RoundRobin(1, 4, []string{"a"}, nil)
	err := h.Install(v1)
	var stale *ErrStaleView
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(2), stale.Current)

	assert.Error(t, h.Install(v2))
	assert.Same(t, v2, h.Current())
}

func TestAwaitStable(t *testing.T) {
	h := NewHolder(nil)

	f3 := h.AwaitStable(3)
	f5 := h.AwaitStable(5)
	assert.Same(t, f3, h.AwaitStable(3))

	h.MarkStable(4)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f3.Wait(ctx))
	assert.False(t, f5.IsDone())

	// Going backwards is ignored.
	h.MarkStable(2)
	assert.Equal(t, uint64(4), h.StableVersion())

	h.MarkStable(5)
	require.NoError(t, f5.Wait(ctx))
	assert.True(t, h.AwaitStable(1).IsDone())
}
