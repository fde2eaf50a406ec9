package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"campus-auth/backend/internal/account/domain"
)

const accountColumns = `id, email, COALESCE(name, ''), password_hash, role, COALESCE(college_id, ''), capabilities,
	sessions_count, last_login_at, created_at, updated_at`

// PostgresRepository reads accounts from the accounts table.
type PostgresRepository struct {
	db      *sql.DB
	typeMap *pgtype.Map
}

// NewPostgresRepository returns an account repository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, typeMap: pgtype.NewMap()}
}

// FindByEmail returns the account with the normalized email, or nil if none.
func (r *PostgresRepository) FindByEmail(ctx context.Context, email string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE email = $1`, domain.NormalizeEmail(email))
	return r.scan(row)
}

// FindByID returns the account for id, or nil if none.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return r.scan(row)
}

// RecordLogin updates the login bookkeeping columns.
func (r *PostgresRepository) RecordLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET last_login_at = $2, sessions_count = sessions_count + 1, updated_at = $2 WHERE id = $1`,
		id, at.UTC())
	if err != nil {
		return fmt.Errorf("account: record login: %w", err)
	}
	return nil
}

// Create inserts a unless its email already exists.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.Account) (bool, error) {
	a.Email = domain.NormalizeEmail(a.Email)
	if err := a.Validate(); err != nil {
		return false, fmt.Errorf("account: %w", err)
	}
	now := time.Now().UTC()
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, name, password_hash, role, college_id, capabilities, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, NULLIF($6, ''), $7, $8, $8)
		ON CONFLICT (email) DO NOTHING`,
		a.ID, a.Email, a.Name, a.PasswordHash, string(a.Role), a.CollegeID, caps, now)
	if err != nil {
		return false, fmt.Errorf("account: create: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("account: create: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) scan(row *sql.Row) (*domain.Account, error) {
	var (
		a         domain.Account
		role      string
		caps      []string
		lastLogin sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &role, &a.CollegeID, r.typeMap.SQLScanner(&caps),
		&a.SessionsCount, &lastLogin, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("account: scan: %w", err)
	}
	a.Role = domain.Role(role)
	a.Capabilities = caps
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLoginAt = &t
	}
	return &a, nil
}
