package common

import (
	"hash/fnv"
)

// Entry is one versioned record owned by a partition. Version starts at 1 and
// grows by one on every successful mutation.
type Entry struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Version uint64 `json:"version"`
}

// Clone returns a copy that shares nothing with e.
func (e Entry) Clone() Entry {
	cp := e
	if e.Value != nil {
		cp.Value = append([]byte(nil), e.Value...)
	}
	return cp
}

// Command is one parsed line of the text protocol.
type Command struct {
	Operation string   `json:"operation"`
	Args      []string `json:"args"`
}

// HashKey is the stable key hash used for partition affinity.
func HashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
