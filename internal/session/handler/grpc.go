package handler

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"campus-auth/backend/api/rpc"
	identityservice "campus-auth/backend/internal/identity/service"
	"campus-auth/backend/internal/platform/rbac"
	"campus-auth/backend/internal/session/domain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// SessionManager lists and revokes the device sessions of an account.
type SessionManager interface {
	ListSessions(ctx context.Context, accountID string) ([]*domain.Session, error)
	Logout(ctx context.Context, accountID, deviceID string) error
}

// Server implements campus.session.v1.SessionService. Callers only see and revoke their own sessions.
type Server struct {
	sessions SessionManager
}

// NewServer returns a new Session gRPC server. If sessions is nil, all RPCs return Unimplemented.
func NewServer(sessions SessionManager) *Server {
	return &Server{sessions: sessions}
}

type listSessionsRequest struct {
	PageSize  int    `json:"page_size"`
	PageToken string `json:"page_token"`
}

type revokeSessionRequest struct {
	DeviceID string `json:"device_id"`
}

type sessionView struct {
	ID         string     `json:"id"`
	DeviceID   string     `json:"device_id"`
	Current    bool       `json:"current"`
	Trusted    bool       `json:"trusted"`
	Revoked    bool       `json:"revoked"`
	IPAddress  string     `json:"ip_address,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	Country    string     `json:"country,omitempty"`
	City       string     `json:"city,omitempty"`
	RiskScore  int        `json:"risk_score"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt time.Time  `json:"last_used_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type listSessionsResponse struct {
	Sessions      []sessionView `json:"sessions"`
	NextPageToken string        `json:"next_page_token,omitempty"`
}

// ListSessions returns a page of the caller's device sessions, newest first. Refresh token hashes are never exposed.
func (s *Server) ListSessions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.sessions == nil {
		return nil, status.Error(codes.Unimplemented, "method ListSessions not implemented")
	}
	id, err := rbac.RequireAccount(ctx)
	if err != nil {
		return nil, err
	}
	var req listSessionsRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed request")
	}
	pageSize := defaultPageSize
	if req.PageSize > 0 {
		pageSize = req.PageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	offset := 0
	if req.PageToken != "" {
		if n, err := strconv.Atoi(req.PageToken); err == nil && n >= 0 {
			offset = n
		}
	}
	list, err := s.sessions.ListSessions(ctx, id.AccountID)
	if err != nil {
		log.Printf("session: list sessions for %s: %v", id.AccountID, err)
		return nil, status.Error(codes.Internal, "failed to list sessions")
	}
	if offset > len(list) {
		offset = len(list)
	}
	end := offset + pageSize
	if end > len(list) {
		end = len(list)
	}
	resp := listSessionsResponse{Sessions: make([]sessionView, 0, end-offset)}
	for _, ses := range list[offset:end] {
		resp.Sessions = append(resp.Sessions, toView(ses, id.DeviceID))
	}
	if end < len(list) {
		resp.NextPageToken = strconv.Itoa(end)
	}
	return encode(resp)
}

// RevokeSession revokes the caller's session on device_id and denylists its access token.
func (s *Server) RevokeSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.sessions == nil {
		return nil, status.Error(codes.Unimplemented, "method RevokeSession not implemented")
	}
	id, err := rbac.RequireAccount(ctx)
	if err != nil {
		return nil, err
	}
	var req revokeSessionRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed request")
	}
	if req.DeviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device_id required")
	}
	if err := s.sessions.Logout(ctx, id.AccountID, req.DeviceID); err != nil {
		if errors.Is(err, identityservice.ErrSessionNotFound) {
			return nil, status.Error(codes.NotFound, "session not found")
		}
		log.Printf("session: revoke %s/%s: %v", id.AccountID, req.DeviceID, err)
		return nil, status.Error(codes.Internal, "failed to revoke session")
	}
	return encode(map[string]any{})
}

func toView(s *domain.Session, currentDevice string) sessionView {
	v := sessionView{
		ID:         s.ID,
		DeviceID:   s.DeviceID,
		Current:    s.DeviceID == currentDevice,
		Trusted:    s.Trusted,
		Revoked:    s.IsRevoked,
		IPAddress:  s.Origin.IP,
		UserAgent:  s.Origin.UserAgent,
		RiskScore:  s.RiskScore,
		CreatedAt:  s.CreatedAt.UTC(),
		LastUsedAt: s.LastUsedAt.UTC(),
		ExpiresAt:  s.ExpiresAt.UTC(),
		RevokedAt:  s.RevokedAt,
	}
	if g := s.Origin.Geo; g != nil {
		v.Country = g.Country
		v.City = g.City
	}
	return v
}

func encode(v interface{}) (*structpb.Struct, error) {
	out, err := rpc.Encode(v)
	if err != nil {
		log.Printf("session: encode response: %v", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}
