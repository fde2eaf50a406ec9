package repository

import (
	"context"

	"campus-auth/backend/internal/audit/domain"
)

// Repository persists audit logs. Records are only ever appended.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	// ListByAccount returns the newest records of the account, at most limit.
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.AuditLog, error)
}
