package query

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"gridkv/internal/common"
)

// Reducer folds the matching entries of one node into a partial result. A
// fresh Reducer is built for every execution on every node.
type Reducer interface {
	// Collect folds one entry. Returning false stops the scan early.
	Collect(e common.Entry) (bool, error)
	Result() (any, error)
}

// ReducerFactory builds a reducer from the query arguments.
type ReducerFactory func(args []json.RawMessage) (Reducer, error)

var (
	reducersMu sync.RWMutex
	reducers   = make(map[string]ReducerFactory)
)

// RegisterReducer makes a remote reducer available by name on every node.
func RegisterReducer(name string, factory ReducerFactory) {
	if name == "" {
		log.Fatalf("reducer name cannot be empty")
	}

	reducersMu.Lock()
	defer reducersMu.Unlock()

	if _, ok := reducers[name]; ok {
		log.Fatalf("reducer with name %q already registered", name)
	}
	reducers[name] = factory
}

func lookupReducer(name string) (ReducerFactory, bool) {
	reducersMu.RLock()
	defer reducersMu.RUnlock()

	f, ok := reducers[name]
	return f, ok
}

const (
	ReducerCount       = "count"
	ReducerSumAndCount = "sum-and-count"
	ReducerKeys        = "keys"
	ReducerEntries     = "entries"
)

func init() {
	RegisterReducer(ReducerCount, func([]json.RawMessage) (Reducer, error) {
		return &countReducer{}, nil
	})
	RegisterReducer(ReducerSumAndCount, newSumAndCount)
	RegisterReducer(ReducerKeys, func([]json.RawMessage) (Reducer, error) {
		return &keysReducer{keys: []string{}}, nil
	})
	RegisterReducer(ReducerEntries, func([]json.RawMessage) (Reducer, error) {
		return &entriesReducer{entries: []common.Entry{}}, nil
	})
}

type countReducer struct {
	n int64
}

func (r *countReducer) Collect(common.Entry) (bool, error) {
	r.n++
	return true, nil
}

func (r *countReducer) Result() (any, error) {
	return r.n, nil
}

// SumCount is the partial of the sum-and-count reducer.
type SumCount struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

// Average divides the combined sums by the combined counts, the local step
// paired with sum-and-count.
func Average(partials []SumCount) (float64, error) {
	var total SumCount
	for _, p := range partials {
		total.Sum += p.Sum
		total.Count += p.Count
	}
	if total.Count == 0 {
		return 0, nil
	}
	return total.Sum / float64(total.Count), nil
}

// sumAndCount sums a numeric JSON field. Without a field argument the value
// itself must be a number.
type sumAndCount struct {
	field string
	acc   SumCount
}

func newSumAndCount(args []json.RawMessage) (Reducer, error) {
	r := &sumAndCount{}
	if len(args) > 0 {
		if err := json.Unmarshal(args[0], &r.field); err != nil {
			return nil, fmt.Errorf("sum-and-count field argument: %w", err)
		}
	}
	return r, nil
}

func (r *sumAndCount) Collect(e common.Entry) (bool, error) {
	var n float64
	if r.field == "" {
		if err := json.Unmarshal(e.Value, &n); err != nil {
			return false, fmt.Errorf("value of %q is not a number: %w", e.Key, err)
		}
	} else {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(e.Value, &obj); err != nil {
			return false, fmt.Errorf("value of %q is not an object: %w", e.Key, err)
		}
		raw, ok := obj[r.field]
		if !ok {
			// Entries without the field do not count.
			return true, nil
		}
		if err := json.Unmarshal(raw, &n); err != nil {
			return false, fmt.Errorf("field %q of %q is not a number: %w", r.field, e.Key, err)
		}
	}
	r.acc.Sum += n
	r.acc.Count++
	return true, nil
}

func (r *sumAndCount) Result() (any, error) {
	return r.acc, nil
}

type keysReducer struct {
	keys []string
}

func (r *keysReducer) Collect(e common.Entry) (bool, error) {
	r.keys = append(r.keys, e.Key)
	return true, nil
}

func (r *keysReducer) Result() (any, error) {
	return r.keys, nil
}

type entriesReducer struct {
	entries []common.Entry
}

func (r *entriesReducer) Collect(e common.Entry) (bool, error) {
	r.entries = append(r.entries, e.Clone())
	return true, nil
}

func (r *entriesReducer) Result() (any, error) {
	return r.entries, nil
}
