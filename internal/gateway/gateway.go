// Package gateway defines the single-method gRPC service shared by the SDK transport
// and the reference backend. Requests and responses are protobuf Structs holding
// JSON bodies; the endpoint travels in metadata.
package gateway

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "convosync.v1.Gateway"
	CallMethod  = "/convosync.v1.Gateway/Call"
)

// Metadata keys.
const (
	MDEndpoint      = "x-endpoint"
	MDAuthorization = "authorization"
	MDAppKey        = "x-app-key"
	MDAppSignature  = "x-app-signature"
)

// Endpoints.
const (
	EndpointCreateConversation = "conversation.create"
	EndpointCreateLoggedIn     = "conversation.create_logged_in"
	EndpointExchangeLegacy     = "conversation.exchange_legacy"
	EndpointResumeSession      = "session.resume"
	EndpointEndSession         = "session.end"
	EndpointPayload            = "payload.send"
	EndpointMessages           = "messages.list"
	EndpointManifest           = "manifest.get"
)

// Handler serves gateway calls.
type Handler interface {
	Call(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc describes the gateway service for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "convosync/v1/gateway.proto",
}

// Register attaches h to s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&ServiceDesc, h)
}

// Invoke performs one gateway call over cc.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, CallMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Handler).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Handler).Call(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
