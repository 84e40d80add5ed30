// Package grpc carries the node-to-node forwarding protocol over gRPC.
//
// Messages are google.protobuf.Struct values produced by the protobuf
// serialization package, so the service is described by hand rather than
// generated from a .proto file. The wire contract is:
//
//	service AnalysisNode {
//	  rpc Forward(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc RunTask(google.protobuf.Struct) returns (google.protobuf.Empty);
//	  rpc CancelTask(google.protobuf.Struct) returns (google.protobuf.Empty);
//	  rpc Profile(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "historical.v1.AnalysisNode"

const (
	forwardMethod    = "/" + serviceName + "/Forward"
	runTaskMethod    = "/" + serviceName + "/RunTask"
	cancelTaskMethod = "/" + serviceName + "/CancelTask"
	profileMethod    = "/" + serviceName + "/Profile"
)

// NodeServer is the server API for the AnalysisNode service.
type NodeServer interface {
	Forward(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunTask(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	CancelTask(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Profile(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterNodeServer registers srv with the gRPC service registrar.
func RegisterNodeServer(s grpc.ServiceRegistrar, srv NodeServer) {
	s.RegisterService(&nodeServiceDesc, srv)
}

var nodeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*NodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
		{MethodName: "RunTask", Handler: runTaskHandler},
		{MethodName: "CancelTask", Handler: cancelTaskHandler},
		{MethodName: "Profile", Handler: profileHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "historical/v1/node.proto",
}

func forwardHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: forwardMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).Forward(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func runTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).RunTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runTaskMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).RunTask(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func cancelTaskHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).CancelTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cancelTaskMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).CancelTask(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func profileHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NodeServer).Profile(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: profileMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(NodeServer).Profile(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// nodeClient is the client API for the AnalysisNode service.
type nodeClient struct {
	cc grpc.ClientConnInterface
}

func (c *nodeClient) Forward(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, forwardMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) RunTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, runTaskMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) CancelTask(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, cancelTaskMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *nodeClient) Profile(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, profileMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
