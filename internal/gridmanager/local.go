package gridmanager

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"github.com/sourcegraph/conc/pool"
)

// LocalCluster runs grid nodes in one process over a transport.Network.
type LocalCluster struct {
	Network *transport.Network

	base  Config
	mu    sync.Mutex
	nodes map[string]*GridManager
	view  *topology.View
}

// NewLocalCluster starts the named nodes sharing a round-robin assignment of
// base.Partitions. base.NodeID is ignored.
func NewLocalCluster(ctx context.Context, base Config, names ...string) (*LocalCluster, error) {
	c := &LocalCluster{
		Network: transport.NewNetwork(),
		base:    base,
		nodes:   make(map[string]*GridManager),
	}
	for _, name := range names {
		c.start(name)
	}
	if err := c.reassign(ctx, names); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *LocalCluster) start(name string) *GridManager {
	cfg := c.base
	cfg.NodeID = name
	gm := NewGridManager(cfg, topology.NewHolder(nil), c.Network)
	c.Network.Register(name, gm.Handler())
	c.nodes[name] = gm
	return gm
}

// Node returns the named node, nil if it is not part of the cluster.
func (c *LocalCluster) Node(name string) *GridManager {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nodes[name]
}

func (c *LocalCluster) View() *topology.View {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.view
}

// Join starts a node and installs a view spreading the partitions over all
// nodes. It returns once every node is stable on the new view.
func (c *LocalCluster) Join(ctx context.Context, name string) (*GridManager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[name]; ok {
		return nil, fmt.Errorf("node %s already joined", name)
	}
	gm := c.start(name)
	if c.view != nil {
		// The newcomer learns the current view first so gained partitions
		// wait for their handoff.
		if err := gm.InstallTopology(ctx, c.view); err != nil {
			return nil, err
		}
	}
	names := append(c.names(), name)
	return gm, c.reassign(ctx, names)
}

// Leave hands the partitions of name to the remaining nodes and stops it.
func (c *LocalCluster) Leave(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	gm, ok := c.nodes[name]
	if !ok {
		return fmt.Errorf("node %s is not part of the cluster", name)
	}
	remaining := slices.DeleteFunc(c.names(), func(n string) bool { return n == name })
	if err := c.reassign(ctx, remaining); err != nil {
		return err
	}
	c.Network.Unregister(name)
	delete(c.nodes, name)
	gm.Close()
	return nil
}

// Crash stops a node without handing anything off.
func (c *LocalCluster) Crash(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gm, ok := c.nodes[name]; ok {
		c.Network.Unregister(name)
		delete(c.nodes, name)
		gm.Close()
	}
}

func (c *LocalCluster) names() []string {
	names := make([]string, 0, len(c.nodes))
	for name := range c.nodes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// reassign installs a view over names on every running node, in parallel,
// and waits for the listed nodes to stabilize. Callers hold mu unless the cluster is
// still being built.
func (c *LocalCluster) reassign(ctx context.Context, names []string) error {
	var version uint64 = 1
	if c.view != nil {
		version = c.view.Version() + 1
	}
	slices.Sort(names)
	next, err := topology.RoundRobin(version, c.base.Partitions, names, nil)
	if err != nil {
		return err
	}

	install := pool.New().WithContext(ctx).WithFirstError()
	for _, gm := range c.nodes {
		install.Go(func(ctx context.Context) error {
			return gm.InstallTopology(ctx, next)
		})
	}
	if err := install.Wait(); err != nil {
		return err
	}
	c.view = next

	for _, name := range names {
		if err := c.nodes[name].Holder.AwaitStable(next.Version()).Wait(ctx); err != nil {
			return fmt.Errorf("node %s did not stabilize on topology %d: %w", name, next.Version(), err)
		}
	}
	return nil
}

func (c *LocalCluster) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, gm := range c.nodes {
		c.Network.Unregister(name)
		gm.Close()
	}
	c.nodes = make(map[string]*GridManager)
}
