package topology

import (
	"errors"
	"fmt"
	"sort"

	"gridkv/internal/common"
)

// View is an immutable partition assignment. A new View supersedes an old one
// as a whole; nothing inside a View is ever changed after NewView returns.
type View struct {
	version    uint64
	assignment []string
	addrs      map[string]string
}

// NewView builds a view where assignment[p] is the node owning partition p.
// addrs maps node IDs to their transport addresses and may be nil for
// in-process clusters.
func NewView(version uint64, assignment []string, addrs map[string]string) (*View, error) {
	if version == 0 {
		return nil, errors.New("topology version must be greater than 0")
	}
	if len(assignment) == 0 {
		return nil, errors.New("topology must have at least one partition")
	}
	for p, node := range assignment {
		if node == "" {
			return nil, fmt.Errorf("partition %d has no owner", p)
		}
	}

	v := &View{
		version:    version,
		assignment: append([]string(nil), assignment...),
		addrs:      make(map[string]string, len(addrs)),
	}
	for id, addr := range addrs {
		v.addrs[id] = addr
	}
	return v, nil
}

// RoundRobin assigns partitions to nodes in order, the simplest stable
// affinity for tests and single-rack deployments.
func RoundRobin(version uint64, partitions int, nodes []string, addrs map[string]string) (*View, error) {
	if len(nodes) == 0 {
		return nil, errors.New("topology must have at least one node")
	}
	assignment := make([]string, partitions)
	for p := range assignment {
		assignment[p] = nodes[p%len(nodes)]
	}
	return NewView(version, assignment, addrs)
}

func (v *View) Version() uint64 {
	return v.version
}

func (v *View) Partitions() int {
	return len(v.assignment)
}

// PartitionOf maps a key to its partition.
func (v *View) PartitionOf(key string) int {
	return int(common.HashKey(key) % uint32(len(v.assignment)))
}

// Owner returns the node owning partition p.
func (v *View) Owner(partition int) string {
	if partition < 0 || partition >= len(v.assignment) {
		return ""
	}
	return v.assignment[partition]
}

// OwnerOfKey returns the node owning key.
func (v *View) OwnerOfKey(key string) string {
	return v.assignment[v.PartitionOf(key)]
}

// Addr returns the transport address of a node, empty if unknown.
func (v *View) Addr(node string) string {
	return v.addrs[node]
}

// Nodes returns the sorted set of nodes owning at least one partition.
func (v *View) Nodes() []string {
	seen := make(map[string]struct{})
	for _, n := range v.assignment {
		seen[n] = struct{}{}
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	return nodes
}

// PartitionsOf returns the partitions owned by node, ascending.
func (v *View) PartitionsOf(node string) []int {
	var parts []int
	for p, n := range v.assignment {
		if n == node {
			parts = append(parts, p)
		}
	}
	return parts
}

// ByOwner groups all partitions by owning node.
func (v *View) ByOwner() map[string][]int {
	groups := make(map[string][]int)
	for p, n := range v.assignment {
		groups[n] = append(groups[n], p)
	}
	return groups
}

// Assignment returns a copy of the partition to node table.
func (v *View) Assignment() []string {
	return append([]string(nil), v.assignment...)
}

// Addrs returns a copy of the node address table.
func (v *View) Addrs() map[string]string {
	cp := make(map[string]string, len(v.addrs))
	for id, addr := range v.addrs {
		cp[id] = addr
	}
	return cp
}
