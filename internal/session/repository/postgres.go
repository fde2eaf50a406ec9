package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"campus-auth/backend/internal/session/domain"
)

const sessionColumns = `id, account_id, device_id, refresh_token_hash, token_identifier, access_expires_at, expires_at,
	created_at, last_used_at, is_revoked, revoked_at, trusted, trust_verified_at, ip, user_agent,
	geo_country, geo_region, geo_city, risk_score`

const uniqueViolation = "23505"

// PostgresRepository stores sessions in the sessions table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts s. The session must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	country, region, city := geoToNull(s.Origin.Geo)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		s.ID, s.AccountID, s.DeviceID, s.RefreshTokenHash, s.TokenIdentifier, s.AccessExpiresAt.UTC(), s.ExpiresAt.UTC(),
		s.CreatedAt.UTC(), s.LastUsedAt.UTC(), s.IsRevoked, timeToNull(s.RevokedAt), s.Trusted, timeToNull(s.TrustVerifiedAt),
		s.Origin.IP, s.Origin.UserAgent, country, region, city, s.RiskScore)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateDevice
		}
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// GetByDeviceID returns the session for deviceID, or nil if not found.
func (r *PostgresRepository) GetByDeviceID(ctx context.Context, deviceID string) (*domain.Session, error) {
	return scanOne(r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE device_id = $1`, deviceID))
}

// LatestByAccount returns the newest session of the account, or nil if it has none.
func (r *PostgresRepository) LatestByAccount(ctx context.Context, accountID string) (*domain.Session, error) {
	return scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, accountID))
}

// ListByAccount returns the account's sessions, newest first.
func (r *PostgresRepository) ListByAccount(ctx context.Context, accountID string) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	return scanAll(rows)
}

// Rotate swaps in gen only if the presented hash is still current on an active, unexpired session.
func (r *PostgresRepository) Rotate(ctx context.Context, id, presentedHash string, gen domain.Generation) (bool, error) {
	country, region, city := geoToNull(gen.Origin.Geo)
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			refresh_token_hash = $3, token_identifier = $4, access_expires_at = $5, expires_at = $6,
			last_used_at = $7, ip = $8, user_agent = $9, geo_country = $10, geo_region = $11, geo_city = $12,
			risk_score = $13
		WHERE id = $1 AND refresh_token_hash = $2 AND is_revoked = false AND expires_at >= $7`,
		id, presentedHash, gen.RefreshTokenHash, gen.TokenIdentifier, gen.AccessExpiresAt.UTC(), gen.ExpiresAt.UTC(),
		gen.LastUsedAt.UTC(), gen.Origin.IP, gen.Origin.UserAgent, country, region, city, gen.RiskScore)
	if err != nil {
		return false, fmt.Errorf("session: rotate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: rotate: %w", err)
	}
	return n == 1, nil
}

// Revoke marks session id revoked if it is still active.
func (r *PostgresRepository) Revoke(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET is_revoked = true, revoked_at = $2 WHERE id = $1 AND is_revoked = false`, id, at.UTC())
	if err != nil {
		return false, fmt.Errorf("session: revoke: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: revoke: %w", err)
	}
	return n == 1, nil
}

// RevokeDevice revokes the account's session on deviceID. COALESCE keeps the first revocation time;
// the locked prior row tells whether this call did the revoking.
func (r *PostgresRepository) RevokeDevice(ctx context.Context, accountID, deviceID string, at time.Time) (*domain.Session, bool, error) {
	var changed bool
	row := r.db.QueryRowContext(ctx, `
		WITH prev AS (
			SELECT id AS prev_id, is_revoked AS was_revoked FROM sessions
			WHERE account_id = $1 AND device_id = $2
			FOR UPDATE
		)
		UPDATE sessions SET is_revoked = true, revoked_at = COALESCE(revoked_at, $3)
		FROM prev
		WHERE sessions.id = prev.prev_id
		RETURNING `+sessionColumns+`, NOT prev.was_revoked`, accountID, deviceID, at.UTC())
	s, err := scanSession(row, &changed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("session: revoke device: %w", err)
	}
	return s, changed, nil
}

// RevokeByRefreshHash revokes the active session holding hash.
func (r *PostgresRepository) RevokeByRefreshHash(ctx context.Context, hash string, at time.Time) (*domain.Session, error) {
	return scanOne(r.db.QueryRowContext(ctx, `
		UPDATE sessions SET is_revoked = true, revoked_at = $2
		WHERE refresh_token_hash = $1 AND is_revoked = false
		RETURNING `+sessionColumns, hash, at.UTC()))
}

// RevokeAllByAccount revokes every active session of the account.
func (r *PostgresRepository) RevokeAllByAccount(ctx context.Context, accountID string, at time.Time) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sessions SET is_revoked = true, revoked_at = $2
		WHERE account_id = $1 AND is_revoked = false
		RETURNING `+sessionColumns, accountID, at.UTC())
	if err != nil {
		return nil, fmt.Errorf("session: revoke all: %w", err)
	}
	return scanAll(rows)
}

// MarkTrusted trusts the device; the first verification time is kept.
func (r *PostgresRepository) MarkTrusted(ctx context.Context, accountID, deviceID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET trusted = true, trust_verified_at = COALESCE(trust_verified_at, $3)
		WHERE account_id = $1 AND device_id = $2`, accountID, deviceID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("session: mark trusted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("session: mark trusted: %w", err)
	}
	return n == 1, nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanSession reads sessionColumns in order, then any extra trailing columns into extra.
func scanSession(row scanner, extra ...any) (*domain.Session, error) {
	var (
		s                     domain.Session
		revokedAt, verifiedAt sql.NullTime
		country, region, city sql.NullString
	)
	dest := []any{&s.ID, &s.AccountID, &s.DeviceID, &s.RefreshTokenHash, &s.TokenIdentifier, &s.AccessExpiresAt,
		&s.ExpiresAt, &s.CreatedAt, &s.LastUsedAt, &s.IsRevoked, &revokedAt, &s.Trusted, &verifiedAt,
		&s.Origin.IP, &s.Origin.UserAgent, &country, &region, &city, &s.RiskScore}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}
	s.RevokedAt = nullToTime(revokedAt)
	s.TrustVerifiedAt = nullToTime(verifiedAt)
	if country.Valid || region.Valid || city.Valid {
		s.Origin.Geo = &domain.Geo{Country: country.String, Region: region.String, City: city.String}
	}
	return &s, nil
}

func scanOne(row *sql.Row) (*domain.Session, error) {
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: scan: %w", err)
	}
	return s, nil
}

func scanAll(rows *sql.Rows) ([]*domain.Session, error) {
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: rows: %w", err)
	}
	return out, nil
}

func geoToNull(g *domain.Geo) (country, region, city sql.NullString) {
	if g == nil {
		return
	}
	return sql.NullString{String: g.Country, Valid: true},
		sql.NullString{String: g.Region, Valid: true},
		sql.NullString{String: g.City, Valid: true}
}

func timeToNull(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullToTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
