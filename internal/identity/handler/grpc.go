package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"campus-auth/backend/api/rpc"
	"campus-auth/backend/internal/identity/service"
	"campus-auth/backend/internal/security"
	"campus-auth/backend/internal/server/interceptors"
)

// Authenticator is the part of service.AuthService the transport calls.
type Authenticator interface {
	Login(ctx context.Context, req service.LoginRequest) (*service.AuthResult, error)
	Refresh(ctx context.Context, req service.RefreshRequest) (*service.AuthResult, error)
	Logout(ctx context.Context, accountID, deviceID string) error
	LogoutByRefreshToken(ctx context.Context, refreshToken string) error
	VerifyAccess(ctx context.Context, accessToken string) (*security.AccessClaims, error)
}

// AuthServer implements campus.auth.v1.AuthService for login, refresh, logout, and session validation.
type AuthServer struct {
	auth     Authenticator
	validate *validator.Validate
}

// NewAuthServer returns a new Auth gRPC server. If auth is nil, all RPCs return Unimplemented.
func NewAuthServer(auth Authenticator) *AuthServer {
	return &AuthServer{auth: auth, validate: validator.New()}
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
	DeviceID     string `json:"device_id" validate:"required,max=128"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type validateSessionRequest struct {
	AccessToken string `json:"access_token"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	AccountID        string    `json:"account_id"`
	DeviceID         string    `json:"device_id"`
	Role             string    `json:"role"`
	RiskScore        int       `json:"risk_score"`
	Trusted          bool      `json:"trusted"`
	Decision         string    `json:"decision"`
}

type sessionInfo struct {
	Valid     bool       `json:"valid"`
	AccountID string     `json:"account_id,omitempty"`
	DeviceID  string     `json:"device_id,omitempty"`
	Role      string     `json:"role,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Login authenticates with email and password and returns a token pair for a new device session.
func (s *AuthServer) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Login not implemented")
	}
	var req loginRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.auth.Login(ctx, service.LoginRequest{
		Email:     req.Email,
		Password:  req.Password,
		IP:        interceptors.ClientIP(ctx),
		UserAgent: interceptors.UserAgent(ctx),
	})
	if err != nil {
		return nil, toStatus("Login", err)
	}
	return encode(toTokenResponse(res))
}

// Refresh rotates the device session and returns the next token pair.
func (s *AuthServer) Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Refresh not implemented")
	}
	var req refreshRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	res, err := s.auth.Refresh(ctx, service.RefreshRequest{
		RefreshToken: req.RefreshToken,
		DeviceID:     req.DeviceID,
		IP:           interceptors.ClientIP(ctx),
		UserAgent:    interceptors.UserAgent(ctx),
	})
	if err != nil {
		return nil, toStatus("Refresh", err)
	}
	return encode(toTokenResponse(res))
}

// Logout revokes the caller's device session. An authenticated caller is logged out by identity;
// otherwise the refresh token in the request selects the session. Unknown refresh tokens succeed.
func (s *AuthServer) Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method Logout not implemented")
	}
	var req logoutRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	accountID, _ := interceptors.GetAccountID(ctx)
	deviceID, _ := interceptors.GetDeviceID(ctx)
	switch {
	case accountID != "" && deviceID != "":
		if err := s.auth.Logout(ctx, accountID, deviceID); err != nil {
			return nil, toStatus("Logout", err)
		}
	case req.RefreshToken != "":
		if err := s.auth.LogoutByRefreshToken(ctx, req.RefreshToken); err != nil {
			return nil, toStatus("Logout", err)
		}
	default:
		return nil, status.Error(codes.Unauthenticated, "bearer token or refresh_token required")
	}
	return encode(map[string]any{})
}

// ValidateSession verifies an access token against its signature and the revocation cache. The token is
// read from the request, or from the Bearer header when the request omits it.
func (s *AuthServer) ValidateSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.auth == nil {
		return nil, status.Error(codes.Unimplemented, "method ValidateSession not implemented")
	}
	var req validateSessionRequest
	if err := s.decode(in, &req); err != nil {
		return nil, err
	}
	token := strings.TrimSpace(req.AccessToken)
	if token == "" {
		token = interceptors.BearerToken(ctx)
	}
	if token == "" {
		return nil, status.Error(codes.InvalidArgument, "access_token required")
	}
	claims, err := s.auth.VerifyAccess(ctx, token)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAccessToken) || errors.Is(err, service.ErrAccessTokenRevoked) {
			return encode(sessionInfo{Valid: false})
		}
		return nil, toStatus("ValidateSession", err)
	}
	info := sessionInfo{Valid: true, AccountID: claims.Subject, DeviceID: claims.DeviceID, Role: claims.Role}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time.UTC()
		info.ExpiresAt = &exp
	}
	return encode(info)
}

func (s *AuthServer) decode(in *structpb.Struct, v interface{}) error {
	if err := rpc.Decode(in, v); err != nil {
		return status.Error(codes.InvalidArgument, "malformed request")
	}
	if err := s.validate.Struct(v); err != nil {
		return status.Error(codes.InvalidArgument, validationMessage(err))
	}
	return nil
}

// validationMessage renders validator errors as "field: rule" pairs without echoing values.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, e := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", strings.ToLower(e.Field()), e.Tag()))
	}
	return strings.Join(parts, ", ")
}

func encode(v interface{}) (*structpb.Struct, error) {
	out, err := rpc.Encode(v)
	if err != nil {
		log.Printf("auth: encode response: %v", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func toTokenResponse(res *service.AuthResult) tokenResponse {
	return tokenResponse{
		AccessToken:      res.AccessToken,
		AccessExpiresAt:  res.AccessExpiresAt.UTC(),
		RefreshToken:     res.RefreshToken,
		RefreshExpiresAt: res.RefreshExpiresAt.UTC(),
		AccountID:        res.AccountID,
		DeviceID:         res.DeviceID,
		Role:             res.Role,
		RiskScore:        res.RiskScore,
		Trusted:          res.Trusted,
		Decision:         string(res.Decision),
	}
}

// toStatus maps protocol errors to gRPC status codes. Unmapped errors are logged and returned as Internal.
func toStatus(method string, err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		return status.Error(codes.Unauthenticated, "invalid email or password")
	case errors.Is(err, service.ErrTokenExpired):
		return status.Error(codes.Unauthenticated, "refresh token expired")
	case errors.Is(err, service.ErrInvalidAccessToken), errors.Is(err, service.ErrAccessTokenRevoked):
		return status.Error(codes.Unauthenticated, "invalid access token")
	case errors.Is(err, service.ErrMissingRefresh):
		return status.Error(codes.InvalidArgument, "refresh token and device id required")
	case errors.Is(err, service.ErrSessionNotFound):
		return status.Error(codes.NotFound, "session not found")
	case errors.Is(err, service.ErrSessionRevoked):
		return status.Error(codes.PermissionDenied, "session revoked")
	case errors.Is(err, service.ErrReuseDetected):
		return status.Error(codes.PermissionDenied, "refresh token reuse detected; all sessions revoked")
	case errors.Is(err, service.ErrHighRiskBlocked):
		return status.Error(codes.PermissionDenied, "login blocked due to high risk")
	}
	log.Printf("auth: %s: %v", method, err)
	return status.Error(codes.Internal, "internal error")
}
