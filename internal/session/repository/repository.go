package repository

import (
	"context"
	"errors"
	"time"

	"campus-auth/backend/internal/session/domain"
)

// ErrDuplicateDevice is returned by Create when (account, device) already has a session.
var ErrDuplicateDevice = errors.New("session: device already has a session")

// Repository is the durable per-device session store. Lookups return (nil, nil) when nothing matches.
// Sessions are never deleted; revocation is one-way.
type Repository interface {
	Create(ctx context.Context, s *domain.Session) error
	GetByDeviceID(ctx context.Context, deviceID string) (*domain.Session, error)
	// LatestByAccount returns the most recently created session of the account, revoked or not.
	LatestByAccount(ctx context.Context, accountID string) (*domain.Session, error)
	ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error)

	// Rotate replaces the generation of session id in one conditional write. It succeeds only while the
	// stored hash equals presentedHash, the session is not revoked, and it has not expired at gen.LastUsedAt.
	// Returns false when the condition did not hold; nothing is written in that case.
	Rotate(ctx context.Context, id, presentedHash string, gen domain.Generation) (bool, error)

	// Revoke marks session id revoked. Returns false if it was already revoked or does not exist.
	Revoke(ctx context.Context, id string, at time.Time) (bool, error)
	// RevokeDevice revokes the account's session on deviceID and returns it, or nil if the account has no
	// such session. An already revoked session is returned unchanged with changed false.
	RevokeDevice(ctx context.Context, accountID, deviceID string, at time.Time) (s *domain.Session, changed bool, err error)
	// RevokeByRefreshHash revokes the active session whose current hash is hash and returns it, or nil.
	RevokeByRefreshHash(ctx context.Context, hash string, at time.Time) (*domain.Session, error)
	// RevokeAllByAccount revokes every active session of the account and returns the ones it changed.
	RevokeAllByAccount(ctx context.Context, accountID string, at time.Time) ([]*domain.Session, error)

	// MarkTrusted sets trusted on the account's session for deviceID. Returns false if there is none.
	MarkTrusted(ctx context.Context, accountID, deviceID string, at time.Time) (bool, error)
}
