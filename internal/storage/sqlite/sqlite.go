// Package sqlite backs the canonical event store with one database file per
// user. The file is the partition: a single *sql.DB guarded by a mutex gives
// the single-writer guarantee directly.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tempora-io/tempora/internal/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type Store struct {
	root   string
	logger zerolog.Logger

	mu    sync.Mutex
	parts map[string]*partition
}

func New(root string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create partition root: %w", err)
	}
	return &Store{root: root, logger: logger, parts: make(map[string]*partition)}, nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parts {
		_ = p.db.Close()
	}
	s.parts = make(map[string]*partition)
}

func (s *Store) Partition(ctx context.Context, userID string) (storage.Partition, error) {
	if !safeSegment(userID) {
		return nil, fmt.Errorf("%w: user id", storage.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.parts[userID]; ok {
		return p, nil
	}

	dsn := filepath.Join(s.root, userID+".db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping partition: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if err := runMigrations(db, s.logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate partition: %w", err)
	}

	p := &partition{db: db, userID: userID, logger: s.logger.With().Str("partition", userID).Logger()}
	s.parts[userID] = p
	return p, nil
}

func runMigrations(db *sql.DB, logger zerolog.Logger) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		logger.Warn().Uint("version", version).Msg("partition in dirty state, forcing version")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force migration version: %w", err)
		}
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func safeSegment(s string) bool {
	return s != "" && !strings.Contains(s, "/") && !strings.Contains(s, "\\") && !strings.Contains(s, "..")
}
