package grpcnode

import (
	"context"
	"errors"
	"strconv"

	"gridkv/internal/common"
	"gridkv/internal/transport"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "gridkv.Node"
	// versionTrailer carries the topology version of a TopologyMismatch.
	versionTrailer = "gridkv-topology-version"
)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		unary("Get", transport.Handler.Get),
		unary("Update", transport.Handler.Update),
		unary("Invoke", transport.Handler.Invoke),
		unary("Lock", transport.Handler.Lock),
		unary("Prepare", transport.Handler.Prepare),
		unary("Commit", transport.Handler.Commit),
		unary("Release", transport.Handler.Release),
		unary("Reduce", transport.Handler.Reduce),
		unary("Transfer", transport.Handler.Transfer),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gridkv/node",
}

func unary[Req, Resp any](method string, call func(transport.Handler, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			h := srv.(transport.Handler)
			invoke := func(ctx context.Context, r any) (any, error) {
				resp, err := call(h, ctx, *r.(*Req))
				if err != nil {
					return nil, toStatus(ctx, err)
				}
				return &resp, nil
			}
			if interceptor == nil {
				return invoke(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, req, info, invoke)
		},
	}
}

// NewServer returns a gRPC server serving h as the gridkv.Node service.
func NewServer(h transport.Handler, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}, opts...)
	s := grpc.NewServer(opts...)
	s.RegisterService(&serviceDesc, h)
	return s
}

// toStatus maps a grid failure onto a gRPC status. The client maps it back.
func toStatus(ctx context.Context, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	ge, ok := common.AsError(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	msg := err.Error()
	if ge.Err != nil {
		msg = ge.Err.Error()
	}

	switch ge.Code {
	case common.CodeRollbackConflict:
		return status.Error(codes.Aborted, msg)
	case common.CodeTopologyMismatch:
		// A failed trailer only loses the version, the caller then waits for
		// its own current one.
		_ = grpc.SetTrailer(ctx, metadata.Pairs(versionTrailer, strconv.FormatUint(ge.TopologyVersion, 10)))
		return status.Error(codes.FailedPrecondition, msg)
	case common.CodeClientDisconnected:
		return status.Error(codes.Unavailable, msg)
	case common.CodeProcessorError:
		return status.Error(codes.InvalidArgument, msg)
	default:
		return status.Error(codes.Internal, msg)
	}
}
