package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rowsync/replicator/internal/replmodel"
)

// UntrackedTableError is returned when the effective table set (after
// include/exclude filtering) contains a table the facility is not
// tracking changes for (spec §4.1 "Errors").
type UntrackedTableError struct {
	Tables []string // qualified names
}

func (e *UntrackedTableError) Error() string {
	var sb strings.Builder
	sb.WriteString("schema: the following tables are not change-tracked; enable tracking first:\n")
	for _, t := range e.Tables {
		fmt.Fprintf(&sb, "  ALTER TABLE %s ENABLE CHANGE_TRACKING WITH (TRACK_COLUMNS_UPDATED = ON);\n", t)
	}
	return sb.String()
}

// CycleError is returned when the FK graph over the effective table set
// contains a cycle (spec §4.1: "A cycle in the FK graph is a fatal error").
type CycleError struct {
	Constraints []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("schema: foreign-key cycle detected, involving constraints: %s", strings.Join(e.Constraints, ", "))
}

// Inspector is the Schema Inspector (C1): it discovers change-tracked
// tables, their keys/columns/FKs/unique indexes, and assigns the
// dependency order every downstream component relies on.
type Inspector struct {
	catalog Catalog
	logger  *slog.Logger

	// IncludeTables, when non-empty, restricts the effective set to these
	// names (spec §6 "Tables"). ExcludeTables removes names from whatever
	// set IncludeTables produced (or from "all tables" when empty).
	IncludeTables []string
	ExcludeTables []string

	// TableMappings renders destination-side identifiers at
	// statement-synthesis time (spec §9 decision); the inspector only
	// attaches them, it never changes source-side semantics.
	TableMappings map[string]mappingTarget
}

type mappingTarget struct {
	schema, table string
	columns       map[string]string
}

// NewInspector builds an Inspector over catalog.
func NewInspector(catalog Catalog, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{catalog: catalog, logger: logger, TableMappings: map[string]mappingTarget{}}
}

// WithTableMapping records that source-qualified srcName renders as
// schema.table on the destination.
func (ins *Inspector) WithTableMapping(srcName, schema, table string) *Inspector {
	ins.TableMappings[srcName] = mappingTarget{schema: schema, table: table}
	return ins
}

// WithColumnMapping records that column src of source-qualified srcName
// renders as dst on the destination.
func (ins *Inspector) WithColumnMapping(srcName, src, dst string) *Inspector {
	m, ok := ins.TableMappings[srcName]
	if !ok {
		m = mappingTarget{}
	}
	if m.columns == nil {
		m.columns = map[string]string{}
	}
	m.columns[src] = dst
	ins.TableMappings[srcName] = m
	return ins
}

// Inspect reads the source catalog and returns one TableDescriptor per
// effective table, ordered so that every referenced table precedes every
// table that references it (spec §4.1, §3 invariant).
func (ins *Inspector) Inspect(ctx context.Context) ([]*replmodel.TableDescriptor, error) {
	rawTables, err := ins.catalog.Tables(ctx)
	if err != nil {
		return nil, err
	}

	effective := ins.filter(rawTables)
	if len(effective) == 0 {
		return nil, nil
	}

	var untracked []string
	for _, t := range effective {
		if !t.Tracked {
			untracked = append(untracked, qualify(t.Schema, t.Name))
		}
	}
	if len(untracked) > 0 {
		return nil, &UntrackedTableError{Tables: untracked}
	}

	descriptors := make([]*replmodel.TableDescriptor, len(effective))
	nameToCatalogIdx := make(map[string]int, len(effective))
	for i, t := range effective {
		nameToCatalogIdx[qualify(t.Schema, t.Name)] = i
		desc, err := ins.buildDescriptor(ctx, t)
		if err != nil {
			return nil, err
		}
		descriptors[i] = desc
	}

	rawFKs, err := ins.catalog.ForeignKeys(ctx)
	if err != nil {
		return nil, err
	}

	// Group flattened FK rows by constraint name so multi-column FKs are
	// represented as one ForeignKey with several ColumnPairs (spec §9).
	type edge struct {
		ownerName, refName string
		columns            []replmodel.ColumnPair
	}
	edgesByName := map[string]*edge{}
	var edgeOrder []string
	for _, fk := range rawFKs {
		if fk.Disabled {
			continue
		}
		ownerName := qualify(fk.OwnerSchema, fk.OwnerTable)
		refName := qualify(fk.RefSchema, fk.RefTable)
		if _, ok := nameToCatalogIdx[ownerName]; !ok {
			continue
		}
		if _, ok := nameToCatalogIdx[refName]; !ok {
			continue
		}
		e, ok := edgesByName[fk.Name]
		if !ok {
			e = &edge{ownerName: ownerName, refName: refName}
			edgesByName[fk.Name] = e
			edgeOrder = append(edgeOrder, fk.Name)
		}
		e.columns = append(e.columns, replmodel.ColumnPair{OwnerColumn: fk.OwnerColumn, ReferencedColumn: fk.RefColumn})
	}

	// refsOf[owner] = set of tables owner has an outgoing FK to, used both
	// for cycle detection and for the insertion algorithm below.
	refsOf := map[string][]string{}
	for _, name := range edgeOrder {
		e := edgesByName[name]
		refsOf[e.ownerName] = append(refsOf[e.ownerName], e.refName)
	}

	if cyc := detectCycle(refsOf); cyc != nil {
		var involved []string
		for _, name := range edgeOrder {
			e := edgesByName[name]
			if cyc[e.ownerName] && cyc[e.refName] {
				involved = append(involved, name)
			}
		}
		return nil, &CycleError{Constraints: involved}
	}

	order := topologicalInsert(effective, refsOf)

	finalIdx := make(map[string]int, len(order))
	for i, name := range order {
		finalIdx[name] = i
	}

	ordered := make([]*replmodel.TableDescriptor, len(order))
	for i, name := range order {
		d := descriptors[nameToCatalogIdx[name]]
		d.DependencyOrder = i
		ordered[i] = d
	}

	for _, name := range edgeOrder {
		e := edgesByName[name]
		owner := ordered[finalIdx[e.ownerName]]
		owner.ForeignKeys = append(owner.ForeignKeys, replmodel.ForeignKey{
			Name:          name,
			OwnerIdx:      finalIdx[e.ownerName],
			ReferencedIdx: finalIdx[e.refName],
			Columns:       e.columns,
		})
	}

	return ordered, nil
}

func (ins *Inspector) buildDescriptor(ctx context.Context, t CatalogTable) (*replmodel.TableDescriptor, error) {
	cols, err := ins.catalog.Columns(ctx, t.Schema, t.Name)
	if err != nil {
		return nil, err
	}
	uniques, err := ins.catalog.UniqueIndexes(ctx, t.Schema, t.Name)
	if err != nil {
		return nil, err
	}

	desc := &replmodel.TableDescriptor{
		Schema:      t.Schema,
		Name:        t.Name,
		HasIdentity: t.HasIdentity,
	}
	for _, c := range cols {
		col := replmodel.Column{Name: c.Column, IsIdentity: c.IsIdentity}
		if c.IsPrimaryKey {
			desc.Keys = append(desc.Keys, col)
		} else {
			desc.Others = append(desc.Others, col)
		}
	}

	uniqueByName := map[string]*replmodel.UniqueIndex{}
	var uniqueOrder []string
	for _, u := range uniques {
		idx, ok := uniqueByName[u.Name]
		if !ok {
			idx = &replmodel.UniqueIndex{Name: u.Name}
			uniqueByName[u.Name] = idx
			uniqueOrder = append(uniqueOrder, u.Name)
		}
		idx.Columns = append(idx.Columns, u.Column)
	}
	for _, name := range uniqueOrder {
		desc.UniqueIndexes = append(desc.UniqueIndexes, *uniqueByName[name])
	}

	if m, ok := ins.TableMappings[qualify(t.Schema, t.Name)]; ok {
		desc.TargetSchema = m.schema
		desc.TargetTable = m.table
		desc.ColumnMappings = m.columns
	}

	return desc, nil
}

// filter applies IncludeTables (if any) then ExcludeTables, matching
// against the fully-qualified name or the bare table name with brackets
// stripped (spec §4.1 "Inputs").
func (ins *Inspector) filter(tables []CatalogTable) []CatalogTable {
	var base []CatalogTable
	if len(ins.IncludeTables) == 0 {
		base = tables
	} else {
		for _, t := range tables {
			if matchesAny(t, ins.IncludeTables) {
				base = append(base, t)
			}
		}
	}

	if len(ins.ExcludeTables) == 0 {
		return base
	}
	var out []CatalogTable
	for _, t := range base {
		if !matchesAny(t, ins.ExcludeTables) {
			out = append(out, t)
		}
	}
	return out
}

func matchesAny(t CatalogTable, patterns []string) bool {
	qualified := stripBrackets(qualify(t.Schema, t.Name))
	bare := stripBrackets(t.Name)
	for _, p := range patterns {
		p = stripBrackets(p)
		if p == qualified || p == bare {
			return true
		}
	}
	return false
}

func stripBrackets(s string) string {
	return strings.NewReplacer("[", "", "]", "").Replace(s)
}

func qualify(schema, table string) string {
	return fmt.Sprintf("%s.%s", schema, table)
}

// topologicalInsert implements the insertion algorithm from spec §4.1:
// iterate input in catalog order; for each T, find the leftmost position
// in the output list that holds some table referencing T; insert T just
// before it; append otherwise. Stable and deterministic for DAGs.
func topologicalInsert(catalogOrder []CatalogTable, refsOf map[string][]string) []string {
	var output []string
	for _, t := range catalogOrder {
		name := qualify(t.Schema, t.Name)
		insertAt := -1
		for i, existing := range output {
			if references(refsOf, existing, name) {
				insertAt = i
				break
			}
		}
		if insertAt == -1 {
			output = append(output, name)
		} else {
			output = append(output, "")
			copy(output[insertAt+1:], output[insertAt:])
			output[insertAt] = name
		}
	}
	return output
}

func references(refsOf map[string][]string, owner, target string) bool {
	for _, ref := range refsOf[owner] {
		if ref == target {
			return true
		}
	}
	return false
}

// detectCycle runs a DFS over refsOf and returns the set of table names
// participating in some cycle, or nil if the graph is acyclic.
func detectCycle(refsOf map[string][]string) map[string]bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var inCycle map[string]bool

	var nodes []string
	for owner := range refsOf {
		nodes = append(nodes, owner)
	}
	sort.Strings(nodes) // deterministic traversal order

	var stack []string
	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		stack = append(stack, n)
		for _, next := range refsOf[n] {
			switch color[next] {
			case gray:
				if inCycle == nil {
					inCycle = map[string]bool{}
				}
				cycleStart := -1
				for i, s := range stack {
					if s == next {
						cycleStart = i
						break
					}
				}
				if cycleStart >= 0 {
					for _, s := range stack[cycleStart:] {
						inCycle[s] = true
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}

	for _, n := range nodes {
		if color[n] == white {
			visit(n)
		}
	}
	return inCycle
}
