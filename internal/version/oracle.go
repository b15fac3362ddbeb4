// Package version implements the Version Oracle (C2): reading and writing
// the per-destination bookkeeping version that anchors every fetch.
package version

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Oracle reads and writes SyncInfo for one destination, scoped to a single
// pgx.Tx so every write lands inside the caller's transaction (spec §4.2).
type Oracle struct {
	tx pgx.Tx
}

// New returns an Oracle scoped to tx; every write happens inside tx per
// spec §4.2 ("Writes are always inside the caller's transaction").
func New(tx pgx.Tx) *Oracle {
	return &Oracle{tx: tx}
}

const currentVersionQuery = `select version from sync_info where destination_name = $1`

const facilityCurrentVersionQuery = `select change_tracking_current_version()`

// ErrTrackingUnavailable signals the facility has no current version to
// report (tracking disabled or not installed).
var ErrTrackingUnavailable = errors.New("version: change tracking is unavailable")

// CurrentVersion returns, in order of preference: the destination's stored
// SyncInfo.Version; the facility's current version if SyncInfo has no row
// yet; or -1 if neither is available (spec §4.2).
func (o *Oracle) CurrentVersion(ctx context.Context, destinationName string) (int64, error) {
	var v int64
	err := o.tx.QueryRow(ctx, currentVersionQuery, destinationName).Scan(&v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("version: read sync_info for %q: %w", destinationName, err)
	}

	err = o.tx.QueryRow(ctx, facilityCurrentVersionQuery).Scan(&v)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, pgx.ErrNoRows):
		return -1, nil
	default:
		return -1, nil // tracking disabled/unavailable: fall back per spec, do not fail the caller
	}
}

const ensureSyncInfoTable = `
create table if not exists sync_info (
	destination_name text primary key,
	version bigint not null
)`

const upsertVersion = `
insert into sync_info (destination_name, version)
values ($1, $2)
on conflict (destination_name) do update set version = excluded.version
`

// SetVersion creates SyncInfo if needed and writes v for destinationName,
// inside the oracle's transaction (spec §4.2).
func (o *Oracle) SetVersion(ctx context.Context, destinationName string, v int64) error {
	if _, err := o.tx.Exec(ctx, ensureSyncInfoTable); err != nil {
		return fmt.Errorf("version: ensure sync_info: %w", err)
	}
	if _, err := o.tx.Exec(ctx, upsertVersion, destinationName, v); err != nil {
		return fmt.Errorf("version: write sync_info for %q: %w", destinationName, err)
	}
	return nil
}
