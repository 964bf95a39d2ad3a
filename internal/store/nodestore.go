package store

import (
	"sort"
	"sync"
)

// NodeStore holds the partitions hosted by one node.
type NodeStore struct {
	mu         sync.RWMutex
	partitions map[int]*Partition
}

func NewNodeStore() *NodeStore {
	return &NodeStore{partitions: make(map[int]*Partition)}
}

// Host returns the partition, creating it in state if it is not hosted yet.
// An already hosted partition keeps its entries and takes the new state.
func (s *NodeStore) Host(id int, state State) *Partition {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[id]
	if !ok {
		p = NewPartition(id, state)
		s.partitions[id] = p
		return p
	}
	p.SetState(state)
	return p
}

func (s *NodeStore) Partition(id int) (*Partition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partitions[id]
	return p, ok
}

// Drop stops hosting a partition and returns it.
func (s *NodeStore) Drop(id int) (*Partition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partitions[id]
	delete(s.partitions, id)
	return p, ok
}

// Hosted returns the hosted partition ids in ascending order.
func (s *NodeStore) Hosted() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]int, 0, len(s.partitions))
	for id := range s.partitions {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// InState returns the hosted partitions currently in state.
func (s *NodeStore) InState(state State) []int {
	var ids []int
	for _, id := range s.Hosted() {
		if p, ok := s.Partition(id); ok && p.State() == state {
			ids = append(ids, id)
		}
	}
	return ids
}

// Size returns the number of live entries across ready partitions.
func (s *NodeStore) Size() int {
	total := 0
	for _, id := range s.Hosted() {
		if p, ok := s.Partition(id); ok && p.State() == Ready {
			total += p.Size()
		}
	}
	return total
}

// Keys returns the live keys of ready partitions in ascending order.
func (s *NodeStore) Keys() []string {
	keys := make([]string, 0)
	for _, id := range s.Hosted() {
		if p, ok := s.Partition(id); ok && p.State() == Ready {
			keys = append(keys, p.Keys()...)
		}
	}
	sort.Strings(keys)
	return keys
}

// Clear removes every live entry of every hosted partition.
func (s *NodeStore) Clear() {
	for _, id := range s.Hosted() {
		if p, ok := s.Partition(id); ok {
			p.Clear()
		}
	}
}

func (s *NodeStore) Stats() map[int]Stats {
	stats := make(map[int]Stats)
	for _, id := range s.Hosted() {
		if p, ok := s.Partition(id); ok {
			stats[id] = p.Stats()
		}
	}
	return stats
}
