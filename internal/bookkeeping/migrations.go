// Package bookkeeping manages the schema objects the replication engine
// itself owns on a destination: SyncInfo (internal/version) and the
// goose-tracked migration history used to create/upgrade it.
package bookkeeping

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/rowsync/replicator/internal/dbconn"
)

// Manager applies and inspects goose migrations against one destination,
// adapted from the teacher's MigrationManager down to the subset
// `cmd/replicated migrate` needs.
type Manager struct {
	db     *sql.DB
	dir    string
	logger *slog.Logger
}

// New opens a *sql.DB over pool's connection string via pgx's database/sql
// adapter (goose requires the standard library interface) and targets
// migration files under dir.
func New(pool *dbconn.Pool, dir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := stdlib.OpenDBFromPool(pool.Raw())
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("bookkeeping: set goose dialect: %w", err)
	}
	return &Manager{db: db, dir: dir, logger: logger}, nil
}

// Close releases the adapter's *sql.DB without closing the underlying pool
// (pgx's stdlib adapter keeps the pool alive independently).
func (m *Manager) Close() error { return m.db.Close() }

// Up applies every pending migration under m.dir.
func (m *Manager) Up(ctx context.Context) error {
	if err := goose.Up(m.db, m.dir); err != nil {
		return fmt.Errorf("bookkeeping: migrate up: %w", err)
	}
	m.logger.Info("bookkeeping: migrations applied", "dir", m.dir)
	return nil
}

// Version returns the destination's current goose migration version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	v, err := goose.GetDBVersion(m.db)
	if err != nil {
		return 0, fmt.Errorf("bookkeeping: read migration version: %w", err)
	}
	return v, nil
}

// Status logs the pending/applied state of every migration under m.dir.
func (m *Manager) Status(ctx context.Context) error {
	if err := goose.Status(m.db, m.dir); err != nil {
		return fmt.Errorf("bookkeeping: migration status: %w", err)
	}
	return nil
}
