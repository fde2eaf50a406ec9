// Package auditv1 describes the campus.audit.v1.AuditService gRPC service.
package auditv1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"campus-auth/backend/api/rpc"
)

const ServiceName = "campus.audit.v1.AuditService"

// AuditServiceServer is the server API for AuditService.
type AuditServiceServer interface {
	ListSecurityEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc is the grpc.ServiceDesc for AuditService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuditServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSecurityEvents", Handler: rpc.Unary(ServiceName, "ListSecurityEvents", func(s interface{}) rpc.Method {
			return s.(AuditServiceServer).ListSecurityEvents
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "campus/audit/v1/audit.proto",
}

// RegisterAuditServiceServer registers srv on s.
func RegisterAuditServiceServer(s grpc.ServiceRegistrar, srv AuditServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
