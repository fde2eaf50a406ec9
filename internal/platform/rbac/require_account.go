package rbac

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	accountdomain "campus-auth/backend/internal/account/domain"
	"campus-auth/backend/internal/server/interceptors"
)

// RequireAccount ensures the caller is authenticated and returns its Identity.
// Returns a gRPC Unauthenticated error when the auth interceptor did not set an account and device.
func RequireAccount(ctx context.Context) (interceptors.Identity, error) {
	accountID, okAccount := interceptors.GetAccountID(ctx)
	deviceID, okDevice := interceptors.GetDeviceID(ctx)
	if !okAccount || accountID == "" || !okDevice || deviceID == "" {
		return interceptors.Identity{}, status.Error(codes.Unauthenticated, "account context required")
	}
	tokenID, _ := interceptors.GetTokenID(ctx)
	role, _ := interceptors.GetRole(ctx)
	return interceptors.Identity{AccountID: accountID, DeviceID: deviceID, TokenID: tokenID, Role: role}, nil
}

// RequireAccountAccess resolves which account the caller may read. An empty target or the caller's own
// account is always allowed; any other account requires the super_admin role.
// Returns the resolved account id or a gRPC error (Unauthenticated or PermissionDenied).
func RequireAccountAccess(ctx context.Context, target string) (string, error) {
	id, err := RequireAccount(ctx)
	if err != nil {
		return "", err
	}
	if target == "" || target == id.AccountID {
		return id.AccountID, nil
	}
	if accountdomain.Role(id.Role) != accountdomain.RoleSuperAdmin {
		return "", status.Error(codes.PermissionDenied, "super admin required to read another account")
	}
	return target, nil
}
