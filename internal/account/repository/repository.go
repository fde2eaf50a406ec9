package repository

import (
	"context"
	"time"

	"campus-auth/backend/internal/account/domain"
)

// Repository is the read side of the account store used by authentication. Lookups return
// (nil, nil) when no account matches.
type Repository interface {
	FindByEmail(ctx context.Context, email string) (*domain.Account, error)
	FindByID(ctx context.Context, id string) (*domain.Account, error)
	// RecordLogin stamps last_login_at and increments the session counter.
	RecordLogin(ctx context.Context, id string, at time.Time) error
	// Create inserts a; an existing email is left untouched and reported as (false, nil).
	Create(ctx context.Context, a *domain.Account) (bool, error)
}
