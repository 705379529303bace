// Package migrations embeds the schema and applies it with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var files embed.FS

const migrationsTable = "aep_command_schema_migrations"

// Up applies every pending migration. An up-to-date schema is not an error.
func Up(db *sql.DB, logger *log.Logger) error {
	if db == nil {
		return errors.New("migrations: nil db")
	}
	if logger == nil {
		logger = log.Default()
	}
	source, err := iofs.New(files, ".")
	if err != nil {
		return fmt.Errorf("migrations: source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("migrations: driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: init: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Printf("migrations: schema up to date")
			return nil
		}
		return fmt.Errorf("migrations: up: %w", err)
	}
	version, dirty, _ := m.Version()
	logger.Printf("migrations: applied version=%d dirty=%v", version, dirty)
	return nil
}
