package repository

import (
	"context"
	"errors"
	"time"

	"campus-auth/backend/internal/action/domain"
)

// ErrDuplicateToken is returned by Create when the token id already exists.
var ErrDuplicateToken = errors.New("action: token already exists")

// Repository persists action-link records. Records are never deleted.
type Repository interface {
	Create(ctx context.Context, t *domain.Token) error
	// Get returns the record for tokenID, or nil if not found.
	Get(ctx context.Context, tokenID string) (*domain.Token, error)
	// MarkUsed flips used from false to true in one conditional write. Returns false when the record
	// does not exist or was already used; at most one caller ever gets true for a given token.
	MarkUsed(ctx context.Context, tokenID string, at time.Time) (bool, error)
}
