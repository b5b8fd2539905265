package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/zde37/rangedht/internal/topology"
)

// ServiceName is the gRPC service every node serves.
const ServiceName = "rangedht.Node"

const (
	callMethod    = "/" + ServiceName + "/Call"
	deliverMethod = "/" + ServiceName + "/Deliver"

	// maxMessageSize bounds a single packet including its block payload.
	maxMessageSize = 64 * 1024 * 1024
)

// nodeService is the server side of the rangedht.Node service. Packets travel
// as JSON inside a BytesValue so the wire format follows topology.Request
// and topology.Response directly.
type nodeService interface {
	Call(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Deliver(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*nodeService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rangedht/node",
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeService).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeService).Call(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(nodeService).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(nodeService).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func encodeRequest(req *topology.Request) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Method, err)
	}
	return wrapperspb.Bytes(data), nil
}

func decodeRequest(in *wrapperspb.BytesValue) (*topology.Request, error) {
	var req topology.Request
	if err := json.Unmarshal(in.GetValue(), &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

func encodeResponse(resp *topology.Response) (*wrapperspb.BytesValue, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}
	return wrapperspb.Bytes(data), nil
}

func decodeResponse(in *wrapperspb.BytesValue) (*topology.Response, error) {
	var resp topology.Response
	if err := json.Unmarshal(in.GetValue(), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}
