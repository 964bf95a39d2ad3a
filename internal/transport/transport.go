package transport

import (
	"context"
)

// Handler is the participant side of the node protocol. Every node serves it
// for the partitions it hosts.
type Handler interface {
	Get(ctx context.Context, req GetRequest) (Read, error)
	Update(ctx context.Context, req UpdateRequest) (UpdateResponse, error)
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
	Lock(ctx context.Context, req LockRequest) (LockResponse, error)
	Prepare(ctx context.Context, req PrepareRequest) (Empty, error)
	Commit(ctx context.Context, req CommitRequest) (Empty, error)
	Release(ctx context.Context, req ReleaseRequest) (Empty, error)
	Reduce(ctx context.Context, req ReduceRequest) (ReduceResponse, error)
	Transfer(ctx context.Context, req TransferRequest) (Empty, error)
}

// Transport resolves node ids to the Handler serving them, local or remote.
type Transport interface {
	Peer(node string) (Handler, error)
}
