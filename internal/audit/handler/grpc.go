package handler

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"campus-auth/backend/api/rpc"
	"campus-auth/backend/internal/audit/domain"
	auditrepo "campus-auth/backend/internal/audit/repository"
	"campus-auth/backend/internal/platform/rbac"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Server implements campus.audit.v1.AuditService over the append-only audit log.
type Server struct {
	repo auditrepo.Repository
}

// NewServer returns a new Audit gRPC server. If repo is nil, ListSecurityEvents returns Unimplemented.
func NewServer(repo auditrepo.Repository) *Server {
	return &Server{repo: repo}
}

type listRequest struct {
	AccountID string `json:"account_id"`
	Limit     int    `json:"limit"`
}

type eventView struct {
	ID        string         `json:"id"`
	Event     string         `json:"event"`
	IP        string         `json:"ip"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type listResponse struct {
	AccountID string      `json:"account_id"`
	Events    []eventView `json:"events"`
}

// ListSecurityEvents returns the newest audit records of the caller's account. Super admins may name another account.
func (s *Server) ListSecurityEvents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.repo == nil {
		return nil, status.Error(codes.Unimplemented, "method ListSecurityEvents not implemented")
	}
	var req listRequest
	if err := rpc.Decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, "malformed request")
	}
	accountID, err := rbac.RequireAccountAccess(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	limit := defaultLimit
	if req.Limit > 0 {
		limit = req.Limit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	logs, err := s.repo.ListByAccount(ctx, accountID, limit)
	if err != nil {
		log.Printf("audit: list events for %s: %v", accountID, err)
		return nil, status.Error(codes.Internal, "failed to list audit events")
	}
	resp := listResponse{AccountID: accountID, Events: make([]eventView, 0, len(logs))}
	for _, l := range logs {
		resp.Events = append(resp.Events, toView(l))
	}
	out, err := rpc.Encode(resp)
	if err != nil {
		log.Printf("audit: encode response: %v", err)
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

func toView(l *domain.AuditLog) eventView {
	return eventView{
		ID:        l.ID,
		Event:     string(l.Event),
		IP:        l.IP,
		Metadata:  l.Metadata,
		CreatedAt: l.CreatedAt.UTC(),
	}
}
