package server

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	auditv1 "campus-auth/backend/api/audit/v1"
	authv1 "campus-auth/backend/api/auth/v1"
	sessionv1 "campus-auth/backend/api/session/v1"
	audithandler "campus-auth/backend/internal/audit/handler"
	auditrepo "campus-auth/backend/internal/audit/repository"
	identityhandler "campus-auth/backend/internal/identity/handler"
	identityservice "campus-auth/backend/internal/identity/service"
	sessionhandler "campus-auth/backend/internal/session/handler"
)

// Deps holds optional service dependencies for gRPC handlers.
type Deps struct {
	// Auth backs AuthService and SessionService. If nil, their RPCs return Unimplemented.
	Auth *identityservice.AuthService
	// AuditRepo backs AuditService. If nil, ListSecurityEvents returns Unimplemented.
	AuditRepo auditrepo.Repository
	// Health is the grpc.health.v1 server. If nil, the health service is not registered.
	Health *health.Server
}

// ServiceNames lists the application services RegisterServices exposes, for health reporting.
var ServiceNames = []string{authv1.ServiceName, sessionv1.ServiceName, auditv1.ServiceName}

// PublicMethods are the full method names callable without a Bearer token.
func PublicMethods() map[string]bool {
	return map[string]bool{
		authv1.LoginMethod:                   true,
		authv1.RefreshMethod:                 true,
		authv1.LogoutMethod:                  true,
		authv1.ValidateSessionMethod:         true,
		healthpb.Health_Check_FullMethodName: true,
		healthpb.Health_Watch_FullMethodName: true,
	}
}

// RegisterServices registers all gRPC services with the given server.
//
// Service → handler mapping:
//   - AuthService    → internal/identity/handler
//   - SessionService → internal/session/handler
//   - AuditService   → internal/audit/handler
//   - grpc.health.v1 → google.golang.org/grpc/health (status driven by internal/health/handler)
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	var auth identityhandler.Authenticator
	var sessions sessionhandler.SessionManager
	if deps.Auth != nil {
		auth = deps.Auth
		sessions = deps.Auth
	}
	authv1.RegisterAuthServiceServer(s, identityhandler.NewAuthServer(auth))
	sessionv1.RegisterSessionServiceServer(s, sessionhandler.NewServer(sessions))
	auditv1.RegisterAuditServiceServer(s, audithandler.NewServer(deps.AuditRepo))
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health)
	}
}
