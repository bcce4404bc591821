// Package postgres backs the canonical event store with one shared schema
// scoped by user_id. Partition serialization is in-process: one mutex per
// user keyed in the store, so operations for a user commit in arrival order
// while distinct users proceed in parallel.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dsn string, logger zerolog.Logger) (*Store, error) {
	if err := runMigrations(dsn, logger); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger, locks: make(map[string]*sync.Mutex)}, nil
}

func runMigrations(dsn string, logger zerolog.Logger) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		logger.Warn().Uint("version", version).Msg("database in dirty state, forcing version")
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to force migration version: %w", err)
		}
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err == migrate.ErrNoChange {
		logger.Info().Msg("no new migrations to apply")
	} else {
		newVersion, _, _ := m.Version()
		logger.Info().Uint("from_version", version).Uint("to_version", newVersion).Msg("migrations applied")
	}
	return nil
}

func (s *Store) Close() { s.pool.Close() }

func (s *Store) Partition(ctx context.Context, userID string) (storage.Partition, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id", storage.ErrInvalidArgument)
	}
	s.mu.Lock()
	lock, ok := s.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[userID] = lock
	}
	s.mu.Unlock()
	return &partition{
		pool:   s.pool,
		userID: userID,
		lock:   lock,
		logger: s.logger.With().Str("partition", userID).Logger(),
	}, nil
}
