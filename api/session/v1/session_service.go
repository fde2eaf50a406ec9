// Package sessionv1 describes the campus.session.v1.SessionService gRPC service.
package sessionv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"campus-auth/backend/api/rpc"
)

const ServiceName = "campus.session.v1.SessionService"

// SessionServiceServer is the server API for SessionService. Both methods act on the caller's account.
type SessionServiceServer interface {
	ListSessions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	RevokeSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc is the grpc.ServiceDesc for SessionService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: rpc.Unary(ServiceName, "ListSessions", func(s interface{}) rpc.Method {
			return s.(SessionServiceServer).ListSessions
		})},
		{MethodName: "RevokeSession", Handler: rpc.Unary(ServiceName, "RevokeSession", func(s interface{}) rpc.Method {
			return s.(SessionServiceServer).RevokeSession
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "campus/session/v1/session.proto",
}

// RegisterSessionServiceServer registers srv on s.
func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
