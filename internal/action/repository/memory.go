package repository

import (
	"context"
	"sync"
	"time"

	"campus-auth/backend/internal/action/domain"
)

// MemoryRepository is a process-local Repository for development and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	tokens map[string]domain.Token
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tokens: make(map[string]domain.Token)}
}

func (r *MemoryRepository) Create(ctx context.Context, t *domain.Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tokens[t.TokenID]; ok {
		return ErrDuplicateToken
	}
	c := *t
	c.Used, c.UsedAt = false, nil
	r.tokens[t.TokenID] = c
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, tokenID string) (*domain.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok {
		return nil, nil
	}
	if t.UsedAt != nil {
		u := *t.UsedAt
		t.UsedAt = &u
	}
	return &t, nil
}

func (r *MemoryRepository) MarkUsed(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[tokenID]
	if !ok || t.Used {
		return false, nil
	}
	t.Used, t.UsedAt = true, &at
	r.tokens[tokenID] = t
	return true, nil
}
