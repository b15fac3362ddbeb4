package changefeed

import (
	"context"
	"fmt"
	"strings"

	"github.com/rowsync/replicator/internal/dbconn"
	"github.com/rowsync/replicator/internal/replmodel"
)

// pgSource implements Source against the change-tracking facility's wire
// surface through a dbconn.Pool (spec §4.3, §1 "a client of the server's
// facility").
type pgSource struct {
	pool *dbconn.Pool
}

// NewPostgresSource adapts a dbconn.Pool into a Source.
func NewPostgresSource(pool *dbconn.Pool) Source {
	return &pgSource{pool: pool}
}

const facilityCurrentVersionSQL = `select change_tracking_current_version()`

func (s *pgSource) CurrentVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, facilityCurrentVersionSQL).Scan(&v); err != nil {
		return 0, fmt.Errorf("changefeed: read facility current version: %w", err)
	}
	return v, nil
}

const minValidVersionSQL = `select change_tracking_min_valid_version($1, $2)`

func (s *pgSource) MinValidVersion(ctx context.Context, t *replmodel.TableDescriptor) (int64, error) {
	var v int64
	if err := s.pool.QueryRow(ctx, minValidVersionSQL, t.Schema, t.Name).Scan(&v); err != nil {
		return 0, fmt.Errorf("changefeed: min valid version for %s: %w", t.QualifiedName(), err)
	}
	return v, nil
}

// FetchChanges calls the facility's change_tracking_changes set-returning
// function for t and joins its key_values back onto t's current row to
// bring in column values for inserts/updates; deletes yield only keys
// (spec §4.3 step 3b). Keys travel as a jsonb object keyed by column name
// so one generic function serves every tracked table regardless of its key
// shape.
func (s *pgSource) FetchChanges(ctx context.Context, t *replmodel.TableDescriptor, minVersion, toVersion int64, maxVersion *int64) ([]replmodel.Change, error) {
	query, args := buildChangeQuery(t, minVersion, toVersion, maxVersion)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("changefeed: fetch changes for %s: %w", t.QualifiedName(), err)
	}
	defer rows.Close()

	var out []replmodel.Change
	for rows.Next() {
		c := replmodel.Change{Table: t}

		var opCode string
		var keyValues map[string]any
		otherVals := make([]any, len(t.Others))
		scanTargets := make([]any, 0, 4+len(t.Others))
		scanTargets = append(scanTargets, &c.Version, &c.CreationVersion, &opCode, &keyValues)
		for i := range otherVals {
			scanTargets = append(scanTargets, &otherVals[i])
		}

		if err := rows.Scan(scanTargets...); err != nil {
			return nil, fmt.Errorf("changefeed: scan change row for %s: %w", t.QualifiedName(), err)
		}

		c.Op = parseOperation(opCode)
		for _, k := range t.Keys {
			c.Keys = append(c.Keys, replmodel.ColumnValue{Name: k.Name, Value: keyValues[k.Name]})
		}
		if c.Op != replmodel.OpDelete {
			for i, o := range t.Others {
				c.Others = append(c.Others, replmodel.ColumnValue{Name: o.Name, Value: otherVals[i]})
			}
		}

		out = append(out, c)
	}
	return out, rows.Err()
}

func parseOperation(code string) replmodel.Operation {
	switch code {
	case "I":
		return replmodel.OpInsert
	case "U":
		return replmodel.OpUpdate
	case "D":
		return replmodel.OpDelete
	default:
		return replmodel.OpUnknown
	}
}

// buildChangeQuery assembles the join described in spec §4.3: the
// facility's change set for t via change_tracking_changes, joined back to
// t's current row for non-delete operations, restricted to (minVersion,
// toVersion] and optionally version < maxVersion.
func buildChangeQuery(t *replmodel.TableDescriptor, minVersion, toVersion int64, maxVersion *int64) (string, []any) {
	var sb strings.Builder
	keyNames := t.KeyNames()
	joinCond := make([]string, len(keyNames))
	for i, k := range keyNames {
		joinCond[i] = fmt.Sprintf("t.%s::text = c.key_values->>'%s'", k, k)
	}

	selectCols := []string{"c.version", "c.creation_version", "c.operation", "c.key_values"}
	for _, o := range t.Others {
		selectCols = append(selectCols, "t."+o.Name)
	}

	fmt.Fprintf(&sb, "select %s\n", strings.Join(selectCols, ", "))
	sb.WriteString("from change_tracking_changes($1, $2, $3) as c(version bigint, creation_version bigint, operation text, key_values jsonb)\n")
	fmt.Fprintf(&sb, "left join %s t on %s\n", t.QualifiedName(), strings.Join(joinCond, " and "))
	sb.WriteString("where c.version <= $4")

	args := []any{t.Schema, t.Name, minVersion, toVersion}
	if maxVersion != nil {
		sb.WriteString(" and c.version < $5")
		args = append(args, *maxVersion)
	}
	return sb.String(), args
}
