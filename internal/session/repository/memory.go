package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"campus-auth/backend/internal/session/domain"
)

// MemoryRepository is a process-local Repository for development and tests. Every method holds
// one mutex, so conditional updates are atomic within the process.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[string]*domain.Session
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*domain.Session)}
}

func clone(s *domain.Session) *domain.Session {
	c := *s
	if s.Origin.Geo != nil {
		g := *s.Origin.Geo
		c.Origin.Geo = &g
	}
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		c.RevokedAt = &t
	}
	if s.TrustVerifiedAt != nil {
		t := *s.TrustVerifiedAt
		c.TrustVerifiedAt = &t
	}
	return &c
}

func (r *MemoryRepository) Create(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.byID {
		if e.DeviceID == s.DeviceID {
			return ErrDuplicateDevice
		}
	}
	r.byID[s.ID] = clone(s)
	return nil
}

func (r *MemoryRepository) GetByDeviceID(ctx context.Context, deviceID string) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s := r.deviceLocked("", deviceID); s != nil {
		return clone(s), nil
	}
	return nil, nil
}

func (r *MemoryRepository) LatestByAccount(ctx context.Context, accountID string) (*domain.Session, error) {
	list, _ := r.ListByAccount(ctx, accountID)
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (r *MemoryRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.byID {
		if s.AccountID == accountID {
			out = append(out, clone(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (r *MemoryRepository) Rotate(ctx context.Context, id, presentedHash string, gen domain.Generation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.IsRevoked || s.RefreshTokenHash != presentedHash || gen.LastUsedAt.After(s.ExpiresAt) {
		return false, nil
	}
	s.RefreshTokenHash = gen.RefreshTokenHash
	s.TokenIdentifier = gen.TokenIdentifier
	s.AccessExpiresAt = gen.AccessExpiresAt
	s.ExpiresAt = gen.ExpiresAt
	s.LastUsedAt = gen.LastUsedAt
	s.Origin = gen.Origin
	s.RiskScore = gen.RiskScore
	return true, nil
}

func (r *MemoryRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok || s.IsRevoked {
		return false, nil
	}
	revokeLocked(s, at)
	return true, nil
}

func (r *MemoryRepository) RevokeDevice(ctx context.Context, accountID, deviceID string, at time.Time) (*domain.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.deviceLocked(accountID, deviceID)
	if s == nil {
		return nil, false, nil
	}
	changed := !s.IsRevoked
	if changed {
		revokeLocked(s, at)
	}
	return clone(s), changed, nil
}

func (r *MemoryRepository) RevokeByRefreshHash(ctx context.Context, hash string, at time.Time) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byID {
		if s.RefreshTokenHash == hash && !s.IsRevoked {
			revokeLocked(s, at)
			return clone(s), nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) RevokeAllByAccount(ctx context.Context, accountID string, at time.Time) ([]*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Session
	for _, s := range r.byID {
		if s.AccountID == accountID && !s.IsRevoked {
			revokeLocked(s, at)
			out = append(out, clone(s))
		}
	}
	return out, nil
}

func (r *MemoryRepository) MarkTrusted(ctx context.Context, accountID, deviceID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.deviceLocked(accountID, deviceID)
	if s == nil {
		return false, nil
	}
	s.Trusted = true
	if s.TrustVerifiedAt == nil {
		t := at
		s.TrustVerifiedAt = &t
	}
	return true, nil
}

// deviceLocked finds the session for deviceID, restricted to accountID when it is non-empty.
func (r *MemoryRepository) deviceLocked(accountID, deviceID string) *domain.Session {
	for _, s := range r.byID {
		if s.DeviceID == deviceID && (accountID == "" || s.AccountID == accountID) {
			return s
		}
	}
	return nil
}

func revokeLocked(s *domain.Session, at time.Time) {
	s.IsRevoked = true
	t := at
	s.RevokedAt = &t
}
