// Package dbconn wraps the driver the engine treats as an external
// collaborator (spec §1): connection pooling, parameterised execution,
// transactions and snapshot isolation, plus the change-tracking facility's
// own surface (current version, per-table minimum valid version,
// CHANGETABLE-style change enumeration).
package dbconn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rowsync/replicator/internal/metrics"
	"github.com/rowsync/replicator/internal/retry"
)

// Config is the subset of a database entry (spec §6 "Database info") that
// dbconn needs to open a pool.
type Config struct {
	Name             string
	ConnectionString string
	MaxConns         int32
	MinConns         int32
	ConnectTimeout   time.Duration

	// RetryMetrics, if set, records internal/retry's connection-backoff
	// attempts while Open establishes the initial connection (spec
	// SPEC_FULL.md A3: transient connection errors are retried; the
	// orchestrator's own FK/duplicate-key recovery state machine is not).
	RetryMetrics *metrics.RetryMetrics
}

func (c Config) validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("dbconn: %s: connection string is empty", c.Name)
	}
	return nil
}

// Pool is a thin, generalised wrapper around *pgxpool.Pool: one instance is
// opened per source or per destination database named in a replication
// set. It is private to the call that opens it (spec §5 "Shared
// resources") — the orchestrator holds no long-lived connection itself.
type Pool struct {
	Name   string
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects a new pool and pings it to fail fast on bad config; a ping
// failure that IsRetryable accepts is retried with internal/retry's
// default backoff before Open gives up.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Pool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("dbconn: %s: parse connection string: %w", cfg.Name, err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if cfg.ConnectTimeout > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	raw, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("dbconn: %s: open pool: %w", cfg.Name, err)
	}

	pingPolicy := retry.DefaultPolicy()
	pingPolicy.ShouldRetry = IsRetryable
	pingPolicy.Logger = logger
	pingPolicy.Metrics = cfg.RetryMetrics
	pingPolicy.OperationName = fmt.Sprintf("connect:%s", cfg.Name)
	if err := retry.Do(connectCtx, pingPolicy, func() error {
		return Classify(raw.Ping(connectCtx))
	}); err != nil {
		raw.Close()
		return nil, fmt.Errorf("dbconn: %s: ping: %w", cfg.Name, err)
	}

	logger.Info("connected to database", "name", cfg.Name)
	return &Pool{Name: cfg.Name, pool: raw, logger: logger}, nil
}

// Close releases the underlying pool. Safe to call more than once.
func (p *Pool) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Raw exposes the underlying pgxpool.Pool for callers (e.g. goose
// migrations) that need a *sql.DB-shaped or pgx-native handle directly.
func (p *Pool) Raw() *pgxpool.Pool { return p.pool }

// Exec runs a statement with no expected result rows.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, err := p.pool.Exec(ctx, sql, args...)
	return tag, Classify(err)
}

// Query runs a statement expecting rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	return rows, Classify(err)
}

// QueryRow runs a statement expecting at most one row.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.pool.QueryRow(ctx, sql, args...)
}

// IsoLevel selects the transaction isolation the engine asks the driver
// for; the driver is free to map this onto whatever its backend actually
// supports (spec §1 treats isolation semantics as the driver's contract).
type IsoLevel int

const (
	// IsoReadUncommitted is used by the applier (§4.5): the destination is
	// assumed quiescent, so non-blocking writes are preferred over strict
	// isolation.
	IsoReadUncommitted IsoLevel = iota
	// IsoSnapshot is used by the fetcher (§4.3 step 2) when the source
	// supports it, so every per-table read observes one consistent view.
	IsoSnapshot
)

func (l IsoLevel) pgxLevel() pgx.TxIsoLevel {
	switch l {
	case IsoSnapshot:
		return pgx.RepeatableRead
	default:
		return pgx.ReadUncommitted
	}
}

// BeginTx opens a transaction at the requested isolation level.
func (p *Pool) BeginTx(ctx context.Context, level IsoLevel) (pgx.Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: level.pgxLevel()})
	return tx, Classify(err)
}
