package interceptors

import "context"

type contextKey struct{ name string }

var (
	accountIDKey = contextKey{"account_id"}
	deviceIDKey  = contextKey{"device_id"}
	tokenIDKey   = contextKey{"token_id"}
	roleKey      = contextKey{"role"}
)

// Identity is the caller resolved from a verified access token.
type Identity struct {
	AccountID string
	DeviceID  string
	TokenID   string
	Role      string
}

// WithIdentity returns a context carrying id. Handlers read it via GetAccountID, GetDeviceID, GetTokenID, GetRole.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, accountIDKey, id.AccountID)
	ctx = context.WithValue(ctx, deviceIDKey, id.DeviceID)
	ctx = context.WithValue(ctx, tokenIDKey, id.TokenID)
	ctx = context.WithValue(ctx, roleKey, id.Role)
	return ctx
}

// GetAccountID returns the account_id from context and true if set; otherwise "", false.
func GetAccountID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(accountIDKey).(string)
	return v, ok
}

// GetDeviceID returns the device_id from context and true if set; otherwise "", false.
func GetDeviceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(deviceIDKey).(string)
	return v, ok
}

// GetTokenID returns the access token jti from context and true if set; otherwise "", false.
func GetTokenID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(tokenIDKey).(string)
	return v, ok
}

// GetRole returns the role from context and true if set; otherwise "", false.
func GetRole(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(roleKey).(string)
	return v, ok
}
