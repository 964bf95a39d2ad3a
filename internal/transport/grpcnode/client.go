package grpcnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"gridkv/internal/common"
	"gridkv/internal/future"
	"gridkv/internal/topology"
	"gridkv/internal/transport"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Transport reaches peers over gRPC at the addresses of the installed
// topology view. Connections are opened lazily and kept per address.
type Transport struct {
	holder *topology.Holder
	opts   []grpc.DialOption

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
	// reconnects holds the one pending readiness barrier per connection.
	reconnects map[*grpc.ClientConn]*future.Future[struct{}]
}

func NewTransport(holder *topology.Holder, opts ...grpc.DialOption) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		holder: holder,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*grpc.ClientConn),

		reconnects: make(map[*grpc.ClientConn]*future.Future[struct{}]),
	}
}

func (t *Transport) Peer(node string) (transport.Handler, error) {
	v := t.holder.Current()
	if v == nil {
		return nil, common.TopologyMismatch(0, t.holder.AwaitStable(1), "no topology installed")
	}
	addr := v.Addr(node)
	if addr == "" {
		return nil, common.Unclassified(fmt.Errorf("no address for node %s in topology %d", node, v.Version()))
	}
	conn, err := t.conn(addr)
	if err != nil {
		return nil, err
	}
	return &peer{t: t, node: node, conn: conn}, nil
}

func (t *Transport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}, t.opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, common.Unclassified(fmt.Errorf("connect to %s: %w", addr, err))
	}
	t.conns[addr] = conn
	return conn, nil
}

// Close closes every connection.
func (t *Transport) Close() error {
	t.cancel()

	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	for addr, conn := range t.conns {
		err = multierr.Append(err, conn.Close())
		delete(t.conns, addr)
	}
	return err
}

// reconnected returns a barrier completed once conn is ready again. Callers
// failing on the same connection share one barrier and one watcher.
func (t *Transport) reconnected(conn *grpc.ClientConn) *future.Future[struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if f, ok := t.reconnects[conn]; ok {
		return f
	}
	f := future.New[struct{}]()
	t.reconnects[conn] = f
	go t.watch(conn, f)
	return f
}

func (t *Transport) watch(conn *grpc.ClientConn, f *future.Future[struct{}]) {
	var err error
	defer func() {
		t.mu.Lock()
		delete(t.reconnects, conn)
		t.mu.Unlock()
		f.Resolve(struct{}{}, err)
	}()

	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return
		case connectivity.Shutdown:
			err = errors.New("connection closed")
			return
		case connectivity.Idle:
			conn.Connect()
		}
		if !conn.WaitForStateChange(t.ctx, state) {
			err = t.ctx.Err()
			return
		}
	}
}

type peer struct {
	t    *Transport
	node string
	conn *grpc.ClientConn
}

func call[Req, Resp any](ctx context.Context, p *peer, method string, req Req) (Resp, error) {
	var resp Resp
	var trailer metadata.MD
	err := p.conn.Invoke(ctx, "/"+serviceName+"/"+method, &req, &resp, grpc.Trailer(&trailer))
	if err != nil {
		return resp, p.fromStatus(ctx, err, trailer)
	}
	return resp, nil
}

// fromStatus rebuilds the grid failure a status stands for, binding
// retryable ones to this node's own readiness barriers.
func (p *peer) fromStatus(ctx context.Context, err error, trailer metadata.MD) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	st, ok := status.FromError(err)
	if !ok {
		return common.Unclassified(err)
	}

	f := transport.Fault{Message: st.Message()}
	var ready future.Barrier
	switch st.Code() {
	case codes.Aborted:
		f.Code = common.CodeRollbackConflict
	case codes.FailedPrecondition:
		f.Code = common.CodeTopologyMismatch
		f.TopologyVersion = p.t.holder.Version()
		if vals := trailer.Get(versionTrailer); len(vals) > 0 {
			if v, perr := strconv.ParseUint(vals[0], 10, 64); perr == nil {
				f.TopologyVersion = v
			}
		}
		ready = p.t.holder.AwaitStable(f.TopologyVersion)
	case codes.Unavailable:
		f.Code = common.CodeClientDisconnected
		f.Message = fmt.Sprintf("node %s: %s", p.node, st.Message())
		ready = p.t.reconnected(p.conn)
		slog.Debug("peer unavailable", "node", p.node, "error", st.Message())
	case codes.InvalidArgument:
		f.Code = common.CodeProcessorError
	default:
		f.Code = common.CodeUnclassified
		f.Message = fmt.Sprintf("node %s: %s: %s", p.node, st.Code(), st.Message())
	}
	return f.Err(ready)
}

func (p *peer) Get(ctx context.Context, req transport.GetRequest) (transport.Read, error) {
	return call[transport.GetRequest, transport.Read](ctx, p, "Get", req)
}

func (p *peer) Update(ctx context.Context, req transport.UpdateRequest) (transport.UpdateResponse, error) {
	return call[transport.UpdateRequest, transport.UpdateResponse](ctx, p, "Update", req)
}

func (p *peer) Invoke(ctx context.Context, req transport.InvokeRequest) (transport.InvokeResponse, error) {
	return call[transport.InvokeRequest, transport.InvokeResponse](ctx, p, "Invoke", req)
}

func (p *peer) Lock(ctx context.Context, req transport.LockRequest) (transport.LockResponse, error) {
	return call[transport.LockRequest, transport.LockResponse](ctx, p, "Lock", req)
}

func (p *peer) Prepare(ctx context.Context, req transport.PrepareRequest) (transport.Empty, error) {
	return call[transport.PrepareRequest, transport.Empty](ctx, p, "Prepare", req)
}

func (p *peer) Commit(ctx context.Context, req transport.CommitRequest) (transport.Empty, error) {
	return call[transport.CommitRequest, transport.Empty](ctx, p, "Commit", req)
}

func (p *peer) Release(ctx context.Context, req transport.ReleaseRequest) (transport.Empty, error) {
	return call[transport.ReleaseRequest, transport.Empty](ctx, p, "Release", req)
}

func (p *peer) Reduce(ctx context.Context, req transport.ReduceRequest) (transport.ReduceResponse, error) {
	return call[transport.ReduceRequest, transport.ReduceResponse](ctx, p, "Reduce", req)
}

func (p *peer) Transfer(ctx context.Context, req transport.TransferRequest) (transport.Empty, error) {
	return call[transport.TransferRequest, transport.Empty](ctx, p, "Transfer", req)
}
