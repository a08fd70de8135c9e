// Package migrate applies the embedded schema with golang-migrate.
package migrate

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/cgb37/quart-mysql-scaffold/internal/db"
)

// ErrNoChange is returned when Up/Down has nothing to do (already at target version).
var ErrNoChange = migrate.ErrNoChange

// Direction selects which way Run migrates.
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection validates a direction string from flags or config.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case Up, Down:
		return Direction(s), nil
	}
	return "", fmt.Errorf("direction must be up or down, got %q", s)
}

// Run applies all migrations in the given direction. ErrNoChange is returned
// as-is so callers can treat "already current" as success.
func Run(dsn string, direction Direction) error {
	if direction != Up && direction != Down {
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}
	m, err := open(dsn)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	switch direction {
	case Up:
		err = m.Up()
	case Down:
		err = m.Down()
	}
	return err
}

// Status reports the current schema version and whether the last migration left it dirty.
// A database with no migrations applied reports version 0.
func Status(dsn string) (version uint, dirty bool, err error) {
	m, err := open(dsn)
	if err != nil {
		return 0, false, err
	}
	defer func() { _, _ = m.Close() }()
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func open(dsn string) (*migrate.Migrate, error) {
	if dsn == "" {
		return nil, errors.New("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}
	sourceDriver, err := iofs.New(db.MigrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return m, nil
}
