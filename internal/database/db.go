// Package database provides the SQLite-backed message store: connection
// setup, embedded schema migrations and the Store used by the transcript
// engine to append and query session history.
package database

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/edgard/ledgerchat/internal/config"
	"github.com/edgard/ledgerchat/migrations"

	_ "modernc.org/sqlite" //revive:disable:blank-imports
)

// NewDB opens the message database described by cfg, brings its schema up to
// date and returns the pool. The pool holds a single connection since every
// message append is a write.
func NewDB(cfg config.DatabaseConfig, logger *slog.Logger) (*sqlx.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, errors.New("message database path is empty")
	}
	log := logger.With("component", "database", "path", cfg.Path)

	db, err := sqlx.Connect("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := migrateMessages(db, filePath(cfg.Path), log); err != nil {
		CloseDB(db, log)
		return nil, err
	}

	log.Info("Message database ready")
	return db, nil
}

// CloseDB closes the pool, logging any error.
func CloseDB(db *sqlx.DB, log *slog.Logger) {
	if db == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.Close(); err != nil {
		log.Error("Error closing message database", "error", err)
	}
}

// dsn adds the busy timeout and WAL journal pragmas to the configured path.
func dsn(cfg config.DatabaseConfig) string {
	pragmas := url.Values{}
	pragmas.Add("_pragma", "journal_mode(WAL)")
	if cfg.BusyTimeout > 0 {
		pragmas.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
	}

	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	return cfg.Path + sep + pragmas.Encode()
}

// filePath strips the file: scheme and query from a sqlite DSN.
func filePath(path string) string {
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i != -1 {
		path = path[:i]
	}
	if decoded, err := url.PathUnescape(path); err == nil {
		return decoded
	}
	return path
}

// migrateMessages applies the embedded messages schema migrations.
func migrateMessages(db *sqlx.DB, name string, log *slog.Logger) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{DatabaseName: name})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debug("Message schema is up to date")
	case err != nil:
		return fmt.Errorf("failed to apply migrations: %w", err)
	default:
		version, _, _ := m.Version()
		log.Info("Applied message schema migrations", "version", version)
	}
	return nil
}
