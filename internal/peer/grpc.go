package peer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName            = "svdb.peer.v1.StateSync"
	methodRequestState     = "RequestState"
	fullMethodRequestState = "/" + serviceName + "/" + methodRequestState
)

// StateSyncServer is the server API of the peer state sync service. The
// request carries a kind byte followed by the identifier; the reply holds
// the raw bytes.
//
// Well-known wrapper types keep the service free of generated code.
type StateSyncServer interface {
	RequestState(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

type UnimplementedStateSyncServer struct{}

func (UnimplementedStateSyncServer) RequestState(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method RequestState not implemented")
}

func RegisterStateSyncServer(s grpc.ServiceRegistrar, srv StateSyncServer) {
	s.RegisterService(&StateSync_ServiceDesc, srv)
}

type StateSyncClient interface {
	RequestState(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

type stateSyncClient struct{ cc grpc.ClientConnInterface }

func NewStateSyncClient(cc grpc.ClientConnInterface) StateSyncClient {
	return &stateSyncClient{cc: cc}
}

func (c *stateSyncClient) RequestState(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, fullMethodRequestState, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _StateSync_RequestState_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StateSyncServer).RequestState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethodRequestState}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StateSyncServer).RequestState(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var StateSync_ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*StateSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodRequestState, Handler: _StateSync_RequestState_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "svdb/peer/v1/state_sync.proto",
}
