package repopulate

import (
	"context"
	"fmt"
	"strings"

	"github.com/rowsync/replicator/internal/dbconn"
	"github.com/rowsync/replicator/internal/replmodel"
)

// pgRowSource implements RowSource by selecting every column of t from the
// source, ordered by CreatedOn (when present) then by key columns (spec
// §4.6 step 3).
type pgRowSource struct {
	pool          *dbconn.Pool
	hasCreatedOn  func(t *replmodel.TableDescriptor) bool
}

// NewPostgresRowSource adapts a dbconn.Pool into a RowSource. hasCreatedOn
// reports whether t carries a CreatedOn column worth ordering by; callers
// without that metadata may pass a function that always returns false.
func NewPostgresRowSource(pool *dbconn.Pool, hasCreatedOn func(t *replmodel.TableDescriptor) bool) RowSource {
	if hasCreatedOn == nil {
		hasCreatedOn = func(*replmodel.TableDescriptor) bool { return false }
	}
	return &pgRowSource{pool: pool, hasCreatedOn: hasCreatedOn}
}

func (s *pgRowSource) StreamRows(ctx context.Context, t *replmodel.TableDescriptor, toVersion int64) ([]replmodel.ColumnSet, error) {
	query := buildStreamQuery(t, s.hasCreatedOn(t))

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("repopulate: select all rows of %s: %w", t.QualifiedName(), err)
	}
	defer rows.Close()

	var out []replmodel.ColumnSet
	names := allColumnNames(t)
	for rows.Next() {
		vals := make([]any, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("repopulate: scan row of %s: %w", t.QualifiedName(), err)
		}
		row := make(replmodel.ColumnSet, len(names))
		for i, name := range names {
			row[i] = replmodel.ColumnValue{Name: name, Value: vals[i]}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func allColumnNames(t *replmodel.TableDescriptor) []string {
	names := make([]string, 0, t.ColumnCount())
	for _, k := range t.Keys {
		names = append(names, k.Name)
	}
	for _, o := range t.Others {
		names = append(names, o.Name)
	}
	return names
}

func buildStreamQuery(t *replmodel.TableDescriptor, hasCreatedOn bool) string {
	names := allColumnNames(t)
	var order []string
	if hasCreatedOn {
		order = append(order, "CreatedOn")
	}
	order = append(order, t.KeyNames()...)

	return fmt.Sprintf("select %s from %s order by %s",
		strings.Join(names, ", "), t.QualifiedName(), strings.Join(order, ", "))
}
