package datatable

import (
	"strings"

	"gridkv/internal/common"

	"github.com/emirpasic/gods/maps/treemap"
)

// record is what the table keeps per key. A removed key stays as a tombstone
// so that its version keeps growing if the key is created again.
type record struct {
	value   []byte
	version uint64
	deleted bool
}

// DataTable is the ordered entry table of one partition. It is not safe for
// concurrent use; the owning partition serializes access.
type DataTable struct {
	m    *treemap.Map
	live int
}

func NewDataTable() *DataTable {
	return &DataTable{m: treemap.NewWithStringComparator()}
}

func (d *DataTable) record(key string) (*record, bool) {
	v, ok := d.m.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*record), true
}

// Get returns the live entry for key.
func (d *DataTable) Get(key string) (common.Entry, bool) {
	r, ok := d.record(key)
	if !ok || r.deleted {
		return common.Entry{}, false
	}
	return common.Entry{Key: key, Value: r.value, Version: r.version}, true
}

// Version returns the last version of key, counting tombstones. It is 0 for a
// key never written.
func (d *DataTable) Version(key string) uint64 {
	if r, ok := d.record(key); ok {
		return r.version
	}
	return 0
}

// Put stores value under key and returns the new entry.
func (d *DataTable) Put(key string, value []byte) common.Entry {
	r, ok := d.record(key)
	if !ok {
		r = &record{}
		d.m.Put(key, r)
	}
	if !ok || r.deleted {
		d.live++
	}
	r.value = append([]byte(nil), value...)
	r.version++
	r.deleted = false
	return common.Entry{Key: key, Value: r.value, Version: r.version}
}

// Delete removes key and returns the entry it held.
func (d *DataTable) Delete(key string) (common.Entry, bool) {
	r, ok := d.record(key)
	if !ok || r.deleted {
		return common.Entry{}, false
	}
	old := common.Entry{Key: key, Value: r.value, Version: r.version}
	r.value = nil
	r.version++
	r.deleted = true
	d.live--
	return old, true
}

// Restore installs an entry with its exact version, used when a partition is
// handed over from another node. Older versions than the local one are ignored.
func (d *DataTable) Restore(e common.Entry, deleted bool) {
	r, ok := d.record(e.Key)
	if !ok {
		r = &record{}
		d.m.Put(e.Key, r)
	}
	if e.Version < r.version {
		return
	}
	wasLive := ok && !r.deleted
	r.value = append([]byte(nil), e.Value...)
	r.version = e.Version
	r.deleted = deleted
	switch {
	case wasLive && deleted:
		d.live--
	case !wasLive && !deleted:
		d.live++
	}
}

// Size returns the number of live entries.
func (d *DataTable) Size() int {
	return d.live
}

// Keys returns the live keys in ascending order.
func (d *DataTable) Keys() []string {
	keys := make([]string, 0, d.live)
	d.Range(func(e common.Entry) bool {
		keys = append(keys, e.Key)
		return true
	})
	return keys
}

// Range calls fn for every live entry in key order until fn returns false.
func (d *DataTable) Range(fn func(common.Entry) bool) {
	it := d.m.Iterator()
	for it.Next() {
		r := it.Value().(*record)
		if r.deleted {
			continue
		}
		if !fn(common.Entry{Key: it.Key().(string), Value: r.value, Version: r.version}) {
			return
		}
	}
}

// ScanPrefix returns the live entries whose key starts with prefix.
func (d *DataTable) ScanPrefix(prefix string) []common.Entry {
	var out []common.Entry
	it := d.m.Iterator()
	for it.Next() {
		key := it.Key().(string)
		if key < prefix {
			continue
		}
		if !strings.HasPrefix(key, prefix) {
			break
		}
		if r := it.Value().(*record); !r.deleted {
			out = append(out, common.Entry{Key: key, Value: r.value, Version: r.version})
		}
	}
	return out
}

// Snapshot returns copies of all records, tombstones included, for handoff.
func (d *DataTable) Snapshot() (live []common.Entry, tombstones []common.Entry) {
	it := d.m.Iterator()
	for it.Next() {
		r := it.Value().(*record)
		e := common.Entry{Key: it.Key().(string), Value: r.value, Version: r.version}
		if r.deleted {
			tombstones = append(tombstones, e)
		} else {
			live = append(live, e.Clone())
		}
	}
	return live, tombstones
}

// Clear removes every live entry, keeping tombstone versions.
func (d *DataTable) Clear() {
	it := d.m.Iterator()
	for it.Next() {
		r := it.Value().(*record)
		if !r.deleted {
			r.value = nil
			r.version++
			r.deleted = true
		}
	}
	d.live = 0
}

// Reset forgets everything, tombstones included.
func (d *DataTable) Reset() {
	d.m.Clear()
	d.live = 0
}
