// Package repopulate implements the Flush/Repopulate Engine (C6): a
// truncate-and-reinsert fallback for tables a destination has fallen out
// of change history for.
package repopulate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rowsync/replicator/internal/applier"
	"github.com/rowsync/replicator/internal/replmodel"
)

// RowSource streams every current row of a table from the source, ordered
// by CreatedOn (when present) then by key columns, to bias inserts toward
// creation order and reduce FK violations during the flush (spec §4.6).
type RowSource interface {
	StreamRows(ctx context.Context, t *replmodel.TableDescriptor, toVersion int64) ([]replmodel.ColumnSet, error)
}

// Engine is the Flush/Repopulate Engine (C6).
type Engine struct {
	source RowSource
	apply  *applier.Applier
	logger *slog.Logger
}

// New returns an Engine reading full table contents from source and
// applying them with apply.
func New(source RowSource, apply *applier.Applier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, apply: apply, logger: logger}
}

// BuildRepopulateBatch returns one Repopulate record per current source row
// of each table in tables, table by table in the order given (spec §4.6
// step 3); the orchestrator merges them into the fetched batch. toVersion
// is the version the destination's marker advances to on commit.
func (e *Engine) BuildRepopulateBatch(ctx context.Context, tables []*replmodel.TableDescriptor, toVersion int64) ([]replmodel.Change, error) {
	var out []replmodel.Change
	for _, t := range tables {
		rows, err := e.source.StreamRows(ctx, t, toVersion)
		if err != nil {
			return nil, fmt.Errorf("repopulate: stream rows for %s: %w", t.QualifiedName(), err)
		}
		for _, row := range rows {
			keys, others := splitKeys(t, row)
			out = append(out, replmodel.Change{
				Table:           t,
				Op:              replmodel.OpRepopulate,
				Version:         toVersion,
				CreationVersion: toVersion,
				Keys:            keys,
				Others:          others,
			})
		}
	}
	return out, nil
}

func splitKeys(t *replmodel.TableDescriptor, row replmodel.ColumnSet) (keys, others replmodel.ColumnSet) {
	keyNames := make(map[string]bool, len(t.Keys))
	for _, k := range t.Keys {
		keyNames[k.Name] = true
	}
	for _, cv := range row {
		if keyNames[cv.Name] {
			keys = append(keys, cv)
		} else {
			others = append(others, cv)
		}
	}
	return keys, others
}

// Flush truncates every table in tables on the destination, then applies
// the repopulate batch previously built by BuildRepopulateBatch, with all
// constraints disabled around the whole operation (spec §4.6: "the whole
// flush runs with all constraints disabled... then re-enables them once
// every table has been repopulated").
func (e *Engine) Flush(ctx context.Context, exec applier.Executor, tables []*replmodel.TableDescriptor, changes []replmodel.Change) error {
	if err := exec.DisableAllConstraints(ctx); err != nil {
		return fmt.Errorf("repopulate: disable all constraints: %w", err)
	}

	for _, t := range tables {
		if err := exec.Exec(ctx, fmt.Sprintf("delete from %s", t.TargetQualifiedName())); err != nil {
			if err2 := exec.EnableAllConstraints(ctx); err2 != nil {
				e.logger.Error("repopulate: failed to re-enable all constraints after truncate failure", "error", err2)
			}
			return fmt.Errorf("repopulate: truncate %s: %w", t.QualifiedName(), err)
		}
	}

	if err := e.apply.Apply(ctx, exec, changes, applier.Options{}); err != nil {
		if err2 := exec.EnableAllConstraints(ctx); err2 != nil {
			e.logger.Error("repopulate: failed to re-enable all constraints after apply failure", "error", err2)
		}
		return fmt.Errorf("repopulate: apply rows: %w", err)
	}

	if err := exec.EnableAllConstraints(ctx); err != nil {
		return fmt.Errorf("repopulate: enable all constraints: %w", err)
	}
	return nil
}
