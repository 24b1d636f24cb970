package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog/log"
)

// Migrator wraps golang-migrate for the schema under migrations/
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator opens a migrate instance for the given source URL and database URL
func NewMigrator(sourceURL, databaseURL string) (*Migrator, error) {
	m, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("Database migration: no changes")
			return nil
		}
		return fmt.Errorf("failed to run migrate up: %w", err)
	}
	log.Info().Msg("Database migration: success")
	return nil
}

// Down rolls back the given number of migrations
func (mg *Migrator) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	if err := mg.m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("Database migration: nothing to roll back")
			return nil
		}
		return fmt.Errorf("failed to roll back %d migrations: %w", steps, err)
	}
	log.Info().Int("steps", steps).Msg("Database migration: rolled back")
	return nil
}

// Version reports the current schema version and whether it is dirty
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and database handles
func (mg *Migrator) Close() error {
	srcErr, dbErr := mg.m.Close()
	return errors.Join(srcErr, dbErr)
}

// RunMigrations executes all pending migrations from the specified source URL
func RunMigrations(databaseURL, sourceURL string) error {
	mg, err := NewMigrator(sourceURL, databaseURL)
	if err != nil {
		return err
	}
	defer mg.Close()
	return mg.Up()
}
