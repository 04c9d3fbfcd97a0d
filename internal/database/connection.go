// Package database manages the embedded SQLite store: connection
// settings and schema migrations.
package database

import (
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Config holds SQLite connection settings.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DefaultConfig returns connection settings matching the store's
// concurrency discipline: WAL journaling with a 30 second busy timeout.
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		BusyTimeout: 30 * time.Second,
	}
}

// DSN builds the driver connection string. WAL mode and the busy timeout
// are applied per connection so every pooled handle behaves identically.
func (c Config) DSN() string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		c.Path, c.BusyTimeout.Milliseconds())
}

// Connect opens the SQLite database and verifies the connection.
func Connect(cfg Config, log *logrus.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	log.WithField("path", cfg.Path).Debug("database connection established")
	return db, nil
}

// Migrate applies the embedded schema migrations. Safe to run on every
// startup; applied versions are skipped.
func Migrate(db *sqlx.DB, log *logrus.Logger) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	log.Debug("database schema up to date")
	return nil
}
