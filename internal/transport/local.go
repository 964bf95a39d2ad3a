package transport

import (
	"context"
	"fmt"
	"sync"

	"gridkv/internal/common"
	"gridkv/internal/future"
)

// Interceptor runs before every call delivered by a Network. Returning an
// error fails the call without reaching the node.
type Interceptor func(ctx context.Context, node, method string) error

// Network delivers calls between nodes living in one process.
type Network struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	reconnect map[string]*future.Future[struct{}]
	intercept Interceptor
}

func NewNetwork() *Network {
	return &Network{
		handlers:  make(map[string]Handler),
		reconnect: make(map[string]*future.Future[struct{}]),
	}
}

// Register attaches a node, releasing callers waiting for it to come back.
func (n *Network) Register(node string, h Handler) {
	n.mu.Lock()
	n.handlers[node] = h
	f := n.reconnect[node]
	delete(n.reconnect, node)
	n.mu.Unlock()

	if f != nil {
		f.Complete(struct{}{})
	}
}

// Unregister detaches a node. Calls to it fail with ClientDisconnected until
// it registers again.
func (n *Network) Unregister(node string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.handlers, node)
}

// Intercept installs fn for all subsequent calls, nil removes it.
func (n *Network) Intercept(fn Interceptor) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.intercept = fn
}

func (n *Network) Peer(node string) (Handler, error) {
	if _, _, err := n.resolve(node); err != nil {
		return nil, err
	}
	return &localPeer{network: n, node: node}, nil
}

func (n *Network) resolve(node string) (Handler, Interceptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	h, ok := n.handlers[node]
	if ok {
		return h, n.intercept, nil
	}
	f, ok := n.reconnect[node]
	if !ok {
		f = future.New[struct{}]()
		n.reconnect[node] = f
	}
	return nil, nil, common.ClientDisconnected(f, fmt.Errorf("node %s is not reachable", node))
}

type localPeer struct {
	network *Network
	node    string
}

func deliver[Req, Resp any](ctx context.Context, p *localPeer, method string, req Req, fn func(Handler, context.Context, Req) (Resp, error)) (Resp, error) {
	var zero Resp
	h, intercept, err := p.network.resolve(p.node)
	if err != nil {
		return zero, err
	}
	if intercept != nil {
		if err := intercept(ctx, p.node, method); err != nil {
			return zero, err
		}
	}
	return fn(h, ctx, req)
}

func (p *localPeer) Get(ctx context.Context, req GetRequest) (Read, error) {
	return deliver(ctx, p, "Get", req, Handler.Get)
}

func (p *localPeer) Update(ctx context.Context, req UpdateRequest) (UpdateResponse, error) {
	return deliver(ctx, p, "Update", req, Handler.Update)
}

func (p *localPeer) Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
	return deliver(ctx, p, "Invoke", req, Handler.Invoke)
}

func (p *localPeer) Lock(ctx context.Context, req LockRequest) (LockResponse, error) {
	return deliver(ctx, p, "Lock", req, Handler.Lock)
}

func (p *localPeer) Prepare(ctx context.Context, req PrepareRequest) (Empty, error) {
	return deliver(ctx, p, "Prepare", req, Handler.Prepare)
}

func (p *localPeer) Commit(ctx context.Context, req CommitRequest) (Empty, error) {
	return deliver(ctx, p, "Commit", req, Handler.Commit)
}

func (p *localPeer) Release(ctx context.Context, req ReleaseRequest) (Empty, error) {
	return deliver(ctx, p, "Release", req, Handler.Release)
}

func (p *localPeer) Reduce(ctx context.Context, req ReduceRequest) (ReduceResponse, error) {
	return deliver(ctx, p, "Reduce", req, Handler.Reduce)
}

func (p *localPeer) Transfer(ctx context.Context, req TransferRequest) (Empty, error) {
	return deliver(ctx, p, "Transfer", req, Handler.Transfer)
}
