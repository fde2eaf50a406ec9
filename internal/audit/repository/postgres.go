package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"campus-auth/backend/internal/audit/domain"
)

// PostgresRepository stores audit logs in the audit_logs table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create appends a. The record must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("audit: metadata: %w", err)
	}
	if a.Metadata == nil {
		meta = []byte("{}")
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, account_id, event, ip, metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.AccountID, string(a.Event), a.IP, meta, a.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("audit: create: %w", err)
	}
	return nil
}

// ListByAccount returns up to limit records for the account, newest first.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]*domain.AuditLog, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, account_id, event, ip, metadata, created_at FROM audit_logs
		 WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()
	var out []*domain.AuditLog
	for rows.Next() {
		var (
			a     domain.AuditLog
			event string
			meta  []byte
		)
		if err := rows.Scan(&a.ID, &a.AccountID, &event, &a.IP, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		a.Event = domain.Event(event)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &a.Metadata); err != nil {
				return nil, fmt.Errorf("audit: metadata: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
