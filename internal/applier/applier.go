// Package applier implements the Change Applier (C5): synthesizing and
// executing statements for one planned batch against one destination.
package applier

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rowsync/replicator/internal/dbconn"
	"github.com/rowsync/replicator/internal/replmodel"
)

// Executor is the minimal destination-side surface the applier drives.
// One implementation wraps a pgx.Tx (executor_pg.go); tests use a fake so
// statement synthesis, constraint-deferral bookkeeping, and error recovery
// can be exercised without a database.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) error
	SetIdentityInsert(ctx context.Context, table string, on bool) error
	DisableConstraint(ctx context.Context, fkName string) error
	EnableConstraint(ctx context.Context, fkName string) error
	DisableAllConstraints(ctx context.Context) error
	EnableAllConstraints(ctx context.Context) error
}

// Options configures one Apply call per the orchestrator's recovery state
// (spec §4.5, §4.7).
type Options struct {
	// IgnoreDuplicateKeyInserts swallows error 2627 on Insert statements
	// (spec §4.5, §4.7 step 4).
	IgnoreDuplicateKeyInserts bool
	// DisableAllConstraints bypasses per-FK deferral and issues a single
	// catalog-wide disable/enable around the whole batch (spec §4.5
	// "Constraint deferral execution").
	DisableAllConstraints bool
}

// Applier is the Change Applier (C5).
type Applier struct {
	logger *slog.Logger
}

// New returns an Applier.
func New(logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{logger: logger}
}

// Apply executes every change in the batch, in order, against exec,
// honoring each change's planned FK deferrals (spec §4.5).
func (a *Applier) Apply(ctx context.Context, exec Executor, changes []replmodel.Change, opts Options) error {
	if opts.DisableAllConstraints {
		if err := exec.DisableAllConstraints(ctx); err != nil {
			return fmt.Errorf("applier: disable all constraints: %w", err)
		}
		defer func() {
			if err := exec.EnableAllConstraints(ctx); err != nil {
				a.logger.Error("applier: failed to re-enable all constraints", "error", err)
			}
		}()

		for i, c := range changes {
			if err := a.applyOne(ctx, exec, c, opts); err != nil {
				return fmt.Errorf("applier: change %d (%s %s): %w", i, c.Op, tableName(c.Table), err)
			}
		}
		return nil
	}

	untilVersion := map[string]int64{} // fkName -> version until which it must stay disabled
	disabled := map[string]bool{}

	for i, c := range changes {
		for fk, until := range c.Deferred {
			if !disabled[fk] {
				if err := exec.DisableConstraint(ctx, fk); err != nil {
					return fmt.Errorf("applier: disable constraint %s: %w", fk, err)
				}
				disabled[fk] = true
			}
			if until > untilVersion[fk] {
				untilVersion[fk] = until
			}
		}

		if err := a.applyOne(ctx, exec, c, opts); err != nil {
			return fmt.Errorf("applier: change %d (%s %s): %w", i, c.Op, tableName(c.Table), err)
		}

		isVersionBoundary := i == len(changes)-1 || changes[i+1].CreationVersion > c.CreationVersion
		if isVersionBoundary {
			for fk, until := range untilVersion {
				if disabled[fk] && until <= c.CreationVersion {
					if err := exec.EnableConstraint(ctx, fk); err != nil {
						return fmt.Errorf("applier: enable constraint %s: %w", fk, err)
					}
					delete(disabled, fk)
					delete(untilVersion, fk)
				}
			}
		}
	}

	for fk := range disabled {
		if err := exec.EnableConstraint(ctx, fk); err != nil {
			return fmt.Errorf("applier: final enable constraint %s: %w", fk, err)
		}
	}

	return nil
}

func tableName(t *replmodel.TableDescriptor) string {
	if t == nil {
		return "<unknown>"
	}
	return t.QualifiedName()
}

func (a *Applier) applyOne(ctx context.Context, exec Executor, c replmodel.Change, opts Options) error {
	switch c.Op {
	case replmodel.OpInsert:
		return a.applyInsert(ctx, exec, c, opts)
	case replmodel.OpUpdate:
		return a.applyUpdate(ctx, exec, c)
	case replmodel.OpDelete:
		return a.applyDelete(ctx, exec, c)
	case replmodel.OpRepopulate:
		return a.applyInsert(ctx, exec, c, opts)
	default:
		return fmt.Errorf("applier: unknown operation %s", c.Op)
	}
}

func (a *Applier) applyInsert(ctx context.Context, exec Executor, c replmodel.Change, opts Options) error {
	sql, args := synthesizeInsert(c)

	if c.Table.HasIdentity {
		if err := exec.SetIdentityInsert(ctx, c.Table.TargetQualifiedName(), true); err != nil {
			return fmt.Errorf("enable identity_insert: %w", err)
		}
		defer func() {
			if err := exec.SetIdentityInsert(ctx, c.Table.TargetQualifiedName(), false); err != nil {
				a.logger.Error("applier: failed to disable identity_insert", "table", c.Table.QualifiedName(), "error", err)
			}
		}()
	}

	err := exec.Exec(ctx, sql, args...)
	if err != nil && opts.IgnoreDuplicateKeyInserts && dbconn.IsDuplicateKey(err) {
		a.logger.Debug("applier: swallowing duplicate key on insert", "table", c.Table.QualifiedName())
		return nil
	}
	return err
}

func (a *Applier) applyUpdate(ctx context.Context, exec Executor, c replmodel.Change) error {
	sql, args := synthesizeUpdate(c)
	err := exec.Exec(ctx, sql, args...)
	if err == nil {
		return nil
	}
	if dbconn.IsDatatypeMismatch(err) {
		if recovered, ok := recoverNvarcharImageClash(c); ok {
			sql, args = synthesizeUpdate(recovered)
			return exec.Exec(ctx, sql, args...)
		}
	}
	return err
}

func (a *Applier) applyDelete(ctx context.Context, exec Executor, c replmodel.Change) error {
	sql, args := synthesizeDelete(c)
	return exec.Exec(ctx, sql, args...)
}

// contentsColumn is the column name spec §4.5 names for the
// "nvarchar vs image" type-clash recovery.
const contentsColumn = "Contents"

// recoverNvarcharImageClash replaces a null value in the Contents column
// with an empty byte string and reports whether a retry is warranted. Only
// called once the caller has confirmed the failing error actually was a
// datatype clash (spec §4.5 Update synthesis); every other error propagates
// unrecovered.
func recoverNvarcharImageClash(c replmodel.Change) (replmodel.Change, bool) {
	val, ok := c.Others.Get(contentsColumn)
	if !ok || val != nil {
		return c, false
	}
	patched := make(replmodel.ColumnSet, len(c.Others))
	copy(patched, c.Others)
	for i, cv := range patched {
		if cv.Name == contentsColumn {
			patched[i].Value = []byte{}
		}
	}
	c.Others = patched
	return c, true
}

func synthesizeInsert(c replmodel.Change) (string, []any) {
	t := c.Table
	cols := make([]string, 0, t.ColumnCount())
	placeholders := make([]string, 0, t.ColumnCount())
	args := make([]any, 0, t.ColumnCount())

	n := 1
	for _, kv := range c.Keys {
		cols = append(cols, t.TargetColumnName(kv.Name))
		placeholders = append(placeholders, fmt.Sprintf("$%d", n))
		args = append(args, kv.Value)
		n++
	}
	for _, ov := range c.Others {
		cols = append(cols, t.TargetColumnName(ov.Name))
		placeholders = append(placeholders, fmt.Sprintf("$%d", n))
		args = append(args, ov.Value)
		n++
	}

	sql := fmt.Sprintf("insert into %s (%s) values (%s)",
		t.TargetQualifiedName(), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	return sql, args
}

func synthesizeUpdate(c replmodel.Change) (string, []any) {
	t := c.Table
	var setClauses []string
	args := make([]any, 0, t.ColumnCount())

	n := 1
	for _, ov := range c.Others {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", t.TargetColumnName(ov.Name), n))
		args = append(args, ov.Value)
		n++
	}

	var whereClauses []string
	for _, kv := range c.Keys {
		whereClauses = append(whereClauses, fmt.Sprintf("%s = $%d", t.TargetColumnName(kv.Name), n))
		args = append(args, kv.Value)
		n++
	}

	sql := fmt.Sprintf("update %s set %s where %s",
		t.TargetQualifiedName(), strings.Join(setClauses, ", "), strings.Join(whereClauses, " and "))
	return sql, args
}

func synthesizeDelete(c replmodel.Change) (string, []any) {
	t := c.Table
	var whereClauses []string
	args := make([]any, 0, len(c.Keys))

	for i, kv := range c.Keys {
		whereClauses = append(whereClauses, fmt.Sprintf("%s = $%d", t.TargetColumnName(kv.Name), i+1))
		args = append(args, kv.Value)
	}

	sql := fmt.Sprintf("delete from %s where %s", t.TargetQualifiedName(), strings.Join(whereClauses, " and "))
	return sql, args
}
