package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"campus-auth/backend/internal/action/domain"
)

const uniqueViolation = "23505"

// PostgresRepository stores action-link records in the action_tokens table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an action-token repository that uses db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, t *domain.Token) error {
	var device sql.NullString
	if t.DeviceID != "" {
		device = sql.NullString{String: t.DeviceID, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO action_tokens (token_id, account_id, device_id, action, used, expires_at, created_at)
		VALUES ($1, $2, $3, $4, false, $5, $6)`,
		t.TokenID, t.AccountID, device, string(t.Action), t.ExpiresAt.UTC(), t.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateToken
		}
		return fmt.Errorf("action: create: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, tokenID string) (*domain.Token, error) {
	var (
		t      domain.Token
		device sql.NullString
		action string
		usedAt sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT token_id, account_id, device_id, action, used, used_at, expires_at, created_at
		FROM action_tokens WHERE token_id = $1`, tokenID).
		Scan(&t.TokenID, &t.AccountID, &device, &action, &t.Used, &usedAt, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("action: get: %w", err)
	}
	t.DeviceID = device.String
	t.Action = domain.Action(action)
	if usedAt.Valid {
		u := usedAt.Time
		t.UsedAt = &u
	}
	return &t, nil
}

// MarkUsed is a single UPDATE guarded by used = false; RowsAffected decides the winner.
func (r *PostgresRepository) MarkUsed(ctx context.Context, tokenID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE action_tokens SET used = true, used_at = $2 WHERE token_id = $1 AND used = false`,
		tokenID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("action: mark used: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("action: mark used: %w", err)
	}
	return n == 1, nil
}
