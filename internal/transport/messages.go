package transport

import (
	"encoding/json"
	"time"

	"gridkv/internal/common"
)

// Read is the state of one key as seen by its owner. Version is the tombstone
// version when Found is false.
type Read struct {
	Key     string `json:"key"`
	Value   []byte `json:"value,omitempty"`
	Version uint64 `json:"version"`
	Found   bool   `json:"found"`
}

type GetRequest struct {
	TopologyVersion uint64 `json:"topologyVersion"`
	Key             string `json:"key"`
}

// UpdateRequest is a non-transactional put or remove.
type UpdateRequest struct {
	TopologyVersion uint64 `json:"topologyVersion"`
	Key             string `json:"key"`
	Value           []byte `json:"value,omitempty"`
	Remove          bool   `json:"remove,omitempty"`
}

// UpdateResponse carries the entry replaced or removed.
type UpdateResponse struct {
	Previous Read `json:"previous"`
}

// InvokeRequest runs a named processor on every key, each under its own key
// lock.
type InvokeRequest struct {
	TopologyVersion uint64          `json:"topologyVersion"`
	Keys            []string        `json:"keys"`
	Processor       string          `json:"processor"`
	Args            json.RawMessage `json:"args,omitempty"`
}

// KeyResult is the outcome of one processor run.
type KeyResult struct {
	Value json.RawMessage `json:"value,omitempty"`
	Fault *Fault          `json:"fault,omitempty"`
}

type InvokeResponse struct {
	Results map[string]KeyResult `json:"results"`
}

// LockRequest acquires transaction locks on keys and returns their state.
type LockRequest struct {
	TopologyVersion uint64        `json:"topologyVersion"`
	TxID            string        `json:"txId"`
	Keys            []string      `json:"keys"`
	Timeout         time.Duration `json:"timeout"`
}

type LockResponse struct {
	Reads []Read `json:"reads"`
}

// Write is one element of a transaction write-set.
type Write struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Remove bool   `json:"remove,omitempty"`
}

// PrepareRequest is the first commit phase on one participant. Optimistic
// transactions lock their keys here and validate the observed versions;
// pessimistic ones already hold their locks.
type PrepareRequest struct {
	TopologyVersion uint64            `json:"topologyVersion"`
	TxID            string            `json:"txId"`
	Optimistic      bool              `json:"optimistic"`
	Reads           map[string]uint64 `json:"reads,omitempty"`
	Writes          []Write           `json:"writes,omitempty"`
	Timeout         time.Duration     `json:"timeout"`
}

type CommitRequest struct {
	TxID string `json:"txId"`
}

type ReleaseRequest struct {
	TxID string `json:"txId"`
}

// Clause selects the entries a reduce query folds.
type Clause struct {
	Kind string `json:"kind"`
	Expr string `json:"expr,omitempty"`
}

type ReduceRequest struct {
	TopologyVersion uint64          `json:"topologyVersion"`
	Clause          Clause          `json:"clause"`
	Reducer         string          `json:"reducer"`
	Args            json.RawMessage `json:"args,omitempty"`
}

type ReduceResponse struct {
	Partial json.RawMessage `json:"partial"`
}

// TransferRequest hands a partition over to its new owner.
type TransferRequest struct {
	TopologyVersion uint64         `json:"topologyVersion"`
	From            string         `json:"from"`
	Partition       int            `json:"partition"`
	Entries         []common.Entry `json:"entries,omitempty"`
	Tombstones      []common.Entry `json:"tombstones,omitempty"`
}

// Empty is the response of calls that only report an error.
type Empty struct{}
