// Package orchestrator implements the Replication Orchestrator (C7): the
// per-replication-set recovery state machine that ties the fetcher,
// planner, applier, and repopulate engine together (spec §4.7).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/rowsync/replicator/internal/applier"
	"github.com/rowsync/replicator/internal/changefeed"
	"github.com/rowsync/replicator/internal/dbconn"
	"github.com/rowsync/replicator/internal/planner"
	"github.com/rowsync/replicator/internal/replmodel"
	"github.com/rowsync/replicator/internal/repopulate"
)

// DestinationConn is the per-destination write path: it opens whatever
// transaction the real implementation needs, truncates truncateTables (if
// any, per spec §4.6), applies changes with newVersion as the batch's
// target version, advances SyncInfo, and commits or rolls back as one unit
// (spec §4.5 "On success... commits"). A non-empty truncateTables forces
// opts.DisableAllConstraints for the whole call (spec §4.6: "the whole
// flush runs with all constraints disabled").
type DestinationConn interface {
	Apply(ctx context.Context, truncateTables []*replmodel.TableDescriptor, changes []replmodel.Change, opts applier.Options, newVersion int64) error
}

// DestinationError pairs a destination name with the error it hit while
// being processed; accumulated rather than aborting the whole group (spec
// §7 "log, set error flag, continue to next destination/set").
type DestinationError struct {
	Destination string
	Err         error
}

func (e DestinationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Destination, e.Err)
}

// Orchestrator is the Replication Orchestrator (C7).
type Orchestrator struct {
	fetcher     *changefeed.Fetcher
	repopulate  *repopulate.Engine
	logger      *slog.Logger
}

// New returns an Orchestrator.
func New(fetcher *changefeed.Fetcher, repopulateEngine *repopulate.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{fetcher: fetcher, repopulate: repopulateEngine, logger: logger}
}

// RunSet processes one (replicationSet, tables) to completion, grouping
// destinations by current version and processing each group independently
// (spec §4.7 step 1). It returns the accumulated per-destination errors
// plus a fatal error if the batch itself could not be retrieved for some
// group.
func (o *Orchestrator) RunSet(ctx context.Context, tables []*replmodel.TableDescriptor, destinations []*replmodel.DestinationState, conns map[string]DestinationConn) ([]DestinationError, error) {
	groups := groupByVersion(destinations)

	var allErrors []DestinationError
	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return allErrors, err
		}
		groupErrors, err := o.runGroup(ctx, tables, group, conns)
		allErrors = append(allErrors, groupErrors...)
		if err != nil {
			return allErrors, err
		}
	}
	return allErrors, nil
}

// groupByVersion buckets destinations sharing the same CurrentVersion,
// preserving first-seen order for determinism.
func groupByVersion(destinations []*replmodel.DestinationState) [][]*replmodel.DestinationState {
	var versions []int64
	byVersion := map[int64][]*replmodel.DestinationState{}
	for _, d := range destinations {
		if _, ok := byVersion[d.CurrentVersion]; !ok {
			versions = append(versions, d.CurrentVersion)
		}
		byVersion[d.CurrentVersion] = append(byVersion[d.CurrentVersion], d)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	groups := make([][]*replmodel.DestinationState, len(versions))
	for i, v := range versions {
		groups[i] = byVersion[v]
	}
	return groups
}

func (o *Orchestrator) runGroup(ctx context.Context, tables []*replmodel.TableDescriptor, group []*replmodel.DestinationState, conns map[string]DestinationConn) ([]DestinationError, error) {
	useDestinationVersionAsMin := false
	ignoreDuplicateKeyInserts := false
	var groupErrors []DestinationError

retrieve:
	for {
		destinationVersion := group[0].CurrentVersion

		batch, err := o.fetcher.Fetch(ctx, tables, destinationVersion, changefeed.Options{
			UseDestinationVersionAsMin: useDestinationVersionAsMin,
			SnapshotIsolation:          false, // no snapshot transaction is opened for the fetch
			RepopulationOptIn:          repopulationOptIn(group, tables),
		})
		var gapErr *changefeed.HistoryGapError
		if errors.As(err, &gapErr) {
			return groupErrors, err
		}
		if err != nil {
			return groupErrors, fmt.Errorf("orchestrator: retrieve batch: %w", err)
		}

		changes := batch.Changes
		var repopulateTables []*replmodel.TableDescriptor
		if len(batch.OutOfSyncDatabases) > 0 {
			for _, t := range tables {
				if batch.OutOfSyncDatabases[t.QualifiedName()] {
					repopulateTables = append(repopulateTables, t)
				}
			}
			repChanges, err := o.repopulate.BuildRepopulateBatch(ctx, repopulateTables, batch.ToVersion)
			if err != nil {
				return groupErrors, fmt.Errorf("orchestrator: build repopulate batch: %w", err)
			}
			changes = append(changes, repChanges...)
			sort.SliceStable(changes, func(i, j int) bool { return replmodel.Less(changes[i], changes[j]) })
		}

		planner.Plan(changes)

		for i := 0; i < len(group); i++ {
			d := group[i]
			conn, ok := conns[d.Name]
			if !ok {
				groupErrors = append(groupErrors, DestinationError{Destination: d.Name, Err: fmt.Errorf("orchestrator: no connection configured")})
				continue
			}

			// Mode Normal forbids truncate-based flushes (spec §6): never hand
			// this destination's connection a truncate list or repopulate
			// rows, even when another destination in the same group opted
			// into repopulation and the group as a whole fetched them.
			destTruncateTables := repopulateTables
			destChanges := changes
			if d.Mode == replmodel.ModeNormal && len(repopulateTables) > 0 {
				destTruncateTables = nil
				destChanges = withoutRepopulate(changes)
			}

			opts := applier.Options{
				IgnoreDuplicateKeyInserts: ignoreDuplicateKeyInserts,
				DisableAllConstraints:     d.DisableAllConstraints || len(destTruncateTables) > 0,
			}
			applyErr := conn.Apply(ctx, destTruncateTables, destChanges, opts, batch.ToVersion)
			if applyErr == nil {
				d.DisableAllConstraints = false
				continue
			}

			if dbconn.IsForeignKeyViolation(applyErr) {
				if !useDestinationVersionAsMin {
					useDestinationVersionAsMin = true
					ignoreDuplicateKeyInserts = true
					continue retrieve
				}
				if d.DisableAllConstraints {
					d.DisableAllConstraints = false
					groupErrors = append(groupErrors, DestinationError{Destination: d.Name, Err: applyErr})
					continue
				}
				d.DisableAllConstraints = true
				i-- // replay this destination without advancing the index
				continue
			}

			groupErrors = append(groupErrors, DestinationError{Destination: d.Name, Err: applyErr})
		}

		break retrieve
	}

	return groupErrors, nil
}

// repopulationOptIn reports, per qualified table name, whether any
// destination in the group opted into repopulation (spec §4.3 step 3a:
// "if any destination in the current group opted in"). A Mode Normal
// destination's PopulateOutOfSync flag does not count: Normal forbids
// truncate-based flushes (spec §6), so it can never actually be repopulated.
func repopulationOptIn(group []*replmodel.DestinationState, tables []*replmodel.TableDescriptor) map[string]bool {
	anyOptIn := false
	for _, d := range group {
		if d.PopulateOutOfSync && d.Mode != replmodel.ModeNormal {
			anyOptIn = true
			break
		}
	}
	optIn := make(map[string]bool, len(tables))
	for _, t := range tables {
		optIn[t.QualifiedName()] = anyOptIn
	}
	return optIn
}

// withoutRepopulate drops every OpRepopulate change, for destinations that
// are not allowed to receive them (Mode Normal).
func withoutRepopulate(changes []replmodel.Change) []replmodel.Change {
	out := make([]replmodel.Change, 0, len(changes))
	for _, c := range changes {
		if c.Op == replmodel.OpRepopulate {
			continue
		}
		out = append(out, c)
	}
	return out
}
