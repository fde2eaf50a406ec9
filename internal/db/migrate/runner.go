// Package migrate applies the embedded schema migrations using golang-migrate.
package migrate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"campus-auth/backend/internal/db"
)

// ErrNoChange is returned by Version-style callers when there is nothing to apply.
var ErrNoChange = migrate.ErrNoChange

// Run applies migrations in direction ("up" or "down"). Already being at the target is not an error.
func Run(dsn, direction string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("migrate: DATABASE_URL is not set")
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("migrate: direction must be up or down, got %q", direction)
	}
	m, err := open(dsn)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	return nil
}

// Version returns the applied schema version and whether the last migration left the schema dirty.
func Version(dsn string) (uint, bool, error) {
	if strings.TrimSpace(dsn) == "" {
		return 0, false, errors.New("migrate: DATABASE_URL is not set")
	}
	m, err := open(dsn)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func open(dsn string) (*migrate.Migrate, error) {
	src, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}
