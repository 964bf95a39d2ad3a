package datatable

import (
	"testing"

	"gridkv/internal/common"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionsGrowAcrossRemoval(t *testing.T) {
	d := NewDataTable()
	assert.Equal(t, uint64(0), d.Version("k"))

	e := d.Put("k", []byte("a"))
	assert.Equal(t, uint64(1), e.Version)
	e = d.Put("k", []byte("b"))
	assert.Equal(t, uint64(2), e.Version)

	old, ok := d.Delete("k")
	require.True(t, ok)
	assert.Equal(t, []byte("b"), old.Value)
	assert.Equal(t, uint64(3), d.Version("k"))

	_, ok = d.Get("k")
	assert.False(t, ok)
	_, ok = d.Delete("k")
	assert.False(t, ok)

	e = d.Put("k", []byte("c"))
	assert.Equal(t, uint64(4), e.Version)
	assert.Equal(t, 1, d.Size())
}

func TestPutCopiesValue(t *testing.T) {
	d := NewDataTable()
	v := []byte("abc")
	d.Put("k", v)
	v[0] = 'z'

	e, ok := d.Get("k")
	require.True(t, ok)
	assert.Equal(t, "abc", string(e.Value))
}

func TestOrderedScans(t *testing.T) {
	d := NewDataTable()
	for _, k := range []string{"item/3", "children/1", "item/1", "item/2", "j"} {
		d.Put(k, []byte(k))
	}
	d.Delete("item/2")

	assert.Equal(t, []string{"children/1", "item/1", "item/3", "j"}, d.Keys())

	var got []string
	for _, e := range d.ScanPrefix("item/") {
		got = append(got, e.Key)
	}
	assert.Equal(t, []string{"item/1", "item/3"}, got)
	assert.Empty(t, d.ScanPrefix("zzz"))

	var first []string
	d.Range(func(e common.Entry) bool {
		first = append(first, e.Key)
		return len(first) < 2
	})
	assert.Equal(t, []string{"children/1", "item/1"}, first)
}

func TestSnapshotAndRestore(t *testing.T) {
	src := NewDataTable()
	src.Put("a", []byte("1"))
	src.Put("b", []byte("2"))
	src.Put("b", []byte("3"))
	src.Put("c", []byte("4"))
	src.Delete("c")

	live, tombstones := src.Snapshot()

	dst := NewDataTable()
	for _, e := range live {
		dst.Restore(e, false)
	}
	for _, e := range tombstones {
		dst.Restore(e, true)
	}

	want := []common.Entry{
		{Key: "a", Value: []byte("1"), Version: 1},
		{Key: "b", Value: []byte("3"), Version: 2},
	}
	gotLive, _ := dst.Snapshot()
	if diff := cmp.Diff(want, gotLive); diff != "" {
		t.Errorf("restored entries mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, uint64(2), dst.Version("c"))
	assert.Equal(t, 2, dst.Size())

	// An older version never overwrites a newer one.
	dst.Restore(common.Entry{Key: "b", Value: []byte("old"), Version: 1}, false)
	e, _ := dst.Get("b")
	assert.Equal(t, "3", string(e.Value))
}

func TestClearKeepsTombstones(t *testing.T) {
	d := NewDataTable()
	d.Put("a", []byte("1"))
	d.Clear()

	assert.Equal(t, 0, d.Size())
	assert.Equal(t, uint64(2), d.Version("a"))

	d.Reset()
	assert.Equal(t, uint64(0), d.Version("a"))
}
