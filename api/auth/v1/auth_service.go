// Package authv1 describes the campus.auth.v1.AuthService gRPC service.
package authv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"campus-auth/backend/api/rpc"
)

const ServiceName = "campus.auth.v1.AuthService"

// Full method names, used by interceptors to classify public RPCs.
var (
	LoginMethod           = rpc.FullMethod(ServiceName, "Login")
	RefreshMethod         = rpc.FullMethod(ServiceName, "Refresh")
	LogoutMethod          = rpc.FullMethod(ServiceName, "Logout")
	ValidateSessionMethod = rpc.FullMethod(ServiceName, "ValidateSession")
)

// AuthServiceServer is the server API for AuthService.
type AuthServiceServer interface {
	Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ValidateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func pick(srv interface{}) AuthServiceServer { return srv.(AuthServiceServer) }

// ServiceDesc is the grpc.ServiceDesc for AuthService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Login", Handler: rpc.Unary(ServiceName, "Login", func(s interface{}) rpc.Method { return pick(s).Login })},
		{MethodName: "Refresh", Handler: rpc.Unary(ServiceName, "Refresh", func(s interface{}) rpc.Method { return pick(s).Refresh })},
		{MethodName: "Logout", Handler: rpc.Unary(ServiceName, "Logout", func(s interface{}) rpc.Method { return pick(s).Logout })},
		{MethodName: "ValidateSession", Handler: rpc.Unary(ServiceName, "ValidateSession", func(s interface{}) rpc.Method { return pick(s).ValidateSession })},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "campus/auth/v1/auth.proto",
}

// RegisterAuthServiceServer registers srv on s.
func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
