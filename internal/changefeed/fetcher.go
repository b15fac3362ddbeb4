// Package changefeed implements the Change Fetcher (C3): turning a
// destination version and a table list into an ordered batch of changes.
package changefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rowsync/replicator/internal/replmodel"
)

// Source is the facility surface the fetcher reads from. A single
// implementation backs it with pgx (source_pg.go); tests use a fake so the
// ordering/out-of-sync/version-mode logic can run without a database.
type Source interface {
	// CurrentVersion returns the facility's current version, for
	// batch.ToVersion.
	CurrentVersion(ctx context.Context) (int64, error)
	// MinValidVersion returns the oldest version still queryable for t.
	MinValidVersion(ctx context.Context, t *replmodel.TableDescriptor) (int64, error)
	// FetchChanges returns every change row for t whose version is in
	// (minVersion, toVersion], additionally bounded by maxVersion when
	// non-nil (version < maxVersion).
	FetchChanges(ctx context.Context, t *replmodel.TableDescriptor, minVersion, toVersion int64, maxVersion *int64) ([]replmodel.Change, error)
}

// HistoryGapError is the fatal error from spec §4.3 step 3a: a
// destination has fallen out of a table's change history and no
// destination in the group opted into repopulation.
type HistoryGapError struct {
	Table            string
	MinValidVersion  int64
	DestinationVersion int64
}

func (e *HistoryGapError) Error() string {
	return fmt.Sprintf("changefeed: destination version %d is older than %s's minimum valid version %d and no destination opted into repopulation",
		e.DestinationVersion, e.Table, e.MinValidVersion)
}

// Options controls one Fetch call (spec §4.3 "Version-mode alternation"
// and the recovery path of §4.7).
type Options struct {
	// MaxVersion, if non-nil, additionally restricts results to
	// version < *MaxVersion (used by the recovery path of §4.7).
	MaxVersion *int64

	// UseDestinationVersionAsMin is kept for the orchestrator's own
	// recovery-state bookkeeping (spec §4.7: once set, it also drives
	// IgnoreDuplicateKeyInserts and is never cleared for the rest of a
	// group). The fetcher itself always uses destinationVersion as the
	// lower bound now, so this no longer changes Fetch's behavior.
	UseDestinationVersionAsMin bool

	// SnapshotIsolation, when true, means the caller already opened a
	// snapshot/repeatable-read transaction so every per-table read is
	// consistent; when false the fetcher discards any record whose
	// min(version, creationVersion) exceeds the resolved toVersion
	// instead of trusting the source's individual reads (spec §4.3 step 2).
	SnapshotIsolation bool

	// RepopulationOptIn reports, per qualified table name, whether any
	// destination in the current group opted into repopulation; a
	// history gap for such a table is recorded in OutOfSyncDatabases
	// rather than failing the batch.
	RepopulationOptIn map[string]bool
}

// Fetcher is the Change Fetcher (C3).
type Fetcher struct {
	source Source
	logger *slog.Logger
}

// New returns a Fetcher reading from source.
func New(source Source, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{source: source, logger: logger}
}

// Fetch builds a ChangeBatch for destinationVersion V across tables, which
// must already be in dependency order (spec §4.3).
func (f *Fetcher) Fetch(ctx context.Context, tables []*replmodel.TableDescriptor, destinationVersion int64, opts Options) (*replmodel.ChangeBatch, error) {
	toVersion, err := f.source.CurrentVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("changefeed: read current version: %w", err)
	}

	batch := &replmodel.ChangeBatch{
		ToVersion:          toVersion,
		OutOfSyncVersions:  map[string]int64{},
		OutOfSyncDatabases: map[string]bool{},
	}

	for _, t := range tables {
		minValid, err := f.source.MinValidVersion(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("changefeed: min valid version for %s: %w", t.QualifiedName(), err)
		}

		if minValid > destinationVersion {
			if opts.RepopulationOptIn[t.QualifiedName()] {
				batch.OutOfSyncDatabases[t.QualifiedName()] = true
				batch.OutOfSyncVersions[t.QualifiedName()] = destinationVersion
				continue
			}
			return nil, &HistoryGapError{
				Table:              t.QualifiedName(),
				MinValidVersion:    minValid,
				DestinationVersion: destinationVersion,
			}
		}

		// The gap check above already guarantees minValid <= destinationVersion,
		// so the lower bound is always the destination's own synced version:
		// the facility contract (§1) is "changes strictly greater than V", not
		// "every change still retained".
		rows, err := f.source.FetchChanges(ctx, t, destinationVersion, toVersion, opts.MaxVersion)
		if err != nil {
			return nil, fmt.Errorf("changefeed: fetch changes for %s: %w", t.QualifiedName(), err)
		}

		for _, c := range rows {
			if !opts.SnapshotIsolation {
				effective := c.Version
				if c.CreationVersion < effective {
					effective = c.CreationVersion
				}
				if effective > toVersion {
					continue // belongs to a later batch (spec §4.3 step 2)
				}
			}
			batch.Changes = append(batch.Changes, c)
		}
	}

	sort.SliceStable(batch.Changes, func(i, j int) bool {
		return replmodel.Less(batch.Changes[i], batch.Changes[j])
	})

	return batch, nil
}
