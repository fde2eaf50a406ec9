package interceptors

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"campus-auth/backend/internal/security"
)

const bearerPrefix = "bearer "

// AccessVerifier validates an access token and checks it against the revocation cache.
type AccessVerifier interface {
	VerifyAccess(ctx context.Context, accessToken string) (*security.AccessClaims, error)
}

// AuthUnary returns a unary server interceptor that verifies the Bearer (access) token from gRPC
// metadata and sets the caller Identity in context for protected RPCs.
// publicMethods is the set of full method names that do not require a Bearer token
// (e.g. AuthService Login, Refresh, Logout). A valid token on a public method still sets the Identity.
func AuthUnary(verifier AccessVerifier, publicMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		token := extractBearer(ctx)
		public := publicMethods[info.FullMethod]

		if token == "" {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		claims, err := verifier.VerifyAccess(ctx, token)
		if err != nil {
			if public {
				return handler(ctx, req)
			}
			return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
		}

		ctx = WithIdentity(ctx, Identity{
			AccountID: claims.Subject,
			DeviceID:  claims.DeviceID,
			TokenID:   claims.ID,
			Role:      claims.Role,
		})
		return handler(ctx, req)
	}
}

// BearerToken returns the Bearer token sent with the request, or "" if missing or malformed.
func BearerToken(ctx context.Context) string {
	return extractBearer(ctx)
}

// extractBearer returns the Bearer token from ctx metadata, or "" if missing or malformed.
func extractBearer(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return ""
	}
	v := strings.TrimSpace(vals[0])
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
