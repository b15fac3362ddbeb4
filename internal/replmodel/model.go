// Package replmodel holds the data types shared by every replication engine
// component: table descriptors, foreign keys, change records and batches,
// and the per-destination state the orchestrator tracks across runs.
package replmodel

import "fmt"

// Column describes one column of a tracked table.
type Column struct {
	Name       string
	IsIdentity bool
}

// ColumnPair is one flattened row of a (possibly multi-column) foreign key:
// the owning column paired with the column it references. A multi-column FK
// is one ForeignKey holding several pairs in ForeignKey.Columns.
type ColumnPair struct {
	OwnerColumn      string
	ReferencedColumn string
}

// ForeignKey is an outgoing constraint from one table to another.
//
// OwnerIdx and ReferencedIdx are indexes into the ordered table slice
// internal/schema's Inspector returns (equal to each table's
// DependencyOrder), not pointers, so the FK graph can be walked as arrays
// without back-references (see DESIGN NOTES, spec §9).
type ForeignKey struct {
	Name          string
	OwnerIdx      int
	ReferencedIdx int
	Columns       []ColumnPair
}

// Column returns the single owner/referenced column pair for a
// single-column FK. The planner (§4.4) only compares the first pair; see
// SPEC_FULL.md's "multi-column foreign keys" decision.
func (fk ForeignKey) Column() ColumnPair {
	if len(fk.Columns) == 0 {
		return ColumnPair{}
	}
	return fk.Columns[0]
}

// UniqueIndex is a non-primary unique constraint, recorded for diagnostics
// (the planner and applier do not currently reason about it beyond what the
// primary key already provides).
type UniqueIndex struct {
	Name    string
	Columns []string
}

// TableDescriptor is everything the engine knows about one replicated
// table, including the dependency order C1 assigns it.
type TableDescriptor struct {
	Schema          string
	Name            string
	Keys            []Column
	Others          []Column
	HasIdentity     bool
	ForeignKeys     []ForeignKey
	UniqueIndexes   []UniqueIndex
	DependencyOrder int

	// TargetSchema/TargetTable record the TableMapping (spec §9 decision):
	// statement synthesis in internal/applier renders TargetTable instead
	// of QualifiedName when a mapping exists; every other component
	// (inspector, fetcher, planner) works exclusively in source names.
	TargetSchema string
	TargetTable  string

	// ColumnMappings renames individual columns at statement-synthesis
	// time (spec §9 "table/column renaming"); keyed by source column
	// name. Absent entries render unchanged.
	ColumnMappings map[string]string
}

// TargetColumnName returns the destination-side name for a source column,
// honoring ColumnMappings; falls back to name unchanged.
func (t TableDescriptor) TargetColumnName(name string) string {
	if target, ok := t.ColumnMappings[name]; ok {
		return target
	}
	return name
}

// QualifiedName returns the "schema.table" identifier used throughout the
// engine (source side).
func (t TableDescriptor) QualifiedName() string {
	return fmt.Sprintf("%s.%s", t.Schema, t.Name)
}

// TargetQualifiedName returns the destination-side identifier, honoring any
// TableMapping; it falls back to QualifiedName when no mapping is set.
func (t TableDescriptor) TargetQualifiedName() string {
	if t.TargetTable == "" {
		return t.QualifiedName()
	}
	schema := t.TargetSchema
	if schema == "" {
		schema = t.Schema
	}
	return fmt.Sprintf("%s.%s", schema, t.TargetTable)
}

// KeyNames returns the ordered primary key column names.
func (t TableDescriptor) KeyNames() []string {
	names := make([]string, len(t.Keys))
	for i, c := range t.Keys {
		names[i] = c.Name
	}
	return names
}

// ColumnCount is the total number of columns the applier must bind
// parameters for (keys first, then others — see spec §4.5 "Parameter
// indexing").
func (t TableDescriptor) ColumnCount() int {
	return len(t.Keys) + len(t.Others)
}

// Operation is the kind of row-level change a Change record represents.
// Named enumeration replacing the facility's single-character I/U/D/Z codes
// (spec §9).
type Operation int

const (
	// OpUnknown is the zero value; never produced by the fetcher.
	OpUnknown Operation = iota
	OpInsert
	OpUpdate
	OpDelete
	// OpRepopulate marks a full-table truncate-and-reinsert record created
	// by the flush engine (§4.6), not by the change-tracking facility.
	OpRepopulate
)

func (o Operation) String() string {
	switch o {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	case OpRepopulate:
		return "Repopulate"
	default:
		return "Unknown"
	}
}

// applyRank orders operations within equal (creationVersion, dependencyOrder)
// tuples: Update before Insert (spec §4.3 step 4), everything else keeps a
// stable but otherwise irrelevant rank.
func (o Operation) applyRank() int {
	switch o {
	case OpUpdate:
		return 0
	case OpInsert:
		return 1
	case OpDelete:
		return 2
	case OpRepopulate:
		return 3
	default:
		return 4
	}
}

// ColumnValue is one (name -> value) association. Values are carried as
// `any` and bound through the driver's native parameter encoding
// (internal/dbconn); this is the "opaque value" tagged union spec §9 calls
// for, implemented as Go's own dynamic typing rather than a hand-rolled
// union, since pgx already accepts arbitrary scalar/binary Go types as
// query parameters.
type ColumnValue struct {
	Name  string
	Value any
}

// ColumnSet is an ordered list of ColumnValue pairs — the representation
// spec §9 calls for in place of a map, so that parameter-binding order
// (keys first, then others) is preserved without a second sort pass.
type ColumnSet []ColumnValue

// Get returns the value for name and whether it was present.
func (c ColumnSet) Get(name string) (any, bool) {
	for _, cv := range c {
		if cv.Name == name {
			return cv.Value, true
		}
	}
	return nil, false
}

// Values returns just the values, in order — used for parameter binding.
func (c ColumnSet) Values() []any {
	vals := make([]any, len(c))
	for i, cv := range c {
		vals[i] = cv.Value
	}
	return vals
}

// Change is one tracked row mutation, or one repopulate record.
type Change struct {
	Table *TableDescriptor
	Op    Operation

	// Version is the facility version at which the row was last modified
	// (or, for Repopulate, the batch's target version).
	Version int64
	// CreationVersion is the version at which the row first appeared;
	// equal to Version for pure updates/deletes, and for inserts that
	// were not subsequently modified within the same batch.
	CreationVersion int64

	Keys   ColumnSet
	Others ColumnSet

	// Deferred maps an outgoing FK name to the version until which the
	// applier must keep that constraint disabled (§4.4). Populated by
	// internal/planner; empty for changes the planner did not touch.
	Deferred map[string]int64
}

// DeferUntil records (or tightens never-loosens) a deferral for fkName.
func (c *Change) DeferUntil(fkName string, until int64) {
	if c.Deferred == nil {
		c.Deferred = make(map[string]int64)
	}
	if existing, ok := c.Deferred[fkName]; !ok || until > existing {
		c.Deferred[fkName] = until
	}
}

// Less implements the total order from spec §4.3 step 4:
// (creationVersion ASC, table.dependencyOrder ASC, operation DESC where
// Update sorts before Insert).
func Less(a, b Change) bool {
	if a.CreationVersion != b.CreationVersion {
		return a.CreationVersion < b.CreationVersion
	}
	aOrder, bOrder := 0, 0
	if a.Table != nil {
		aOrder = a.Table.DependencyOrder
	}
	if b.Table != nil {
		bOrder = b.Table.DependencyOrder
	}
	if aOrder != bOrder {
		return aOrder < bOrder
	}
	return a.Op.applyRank() < b.Op.applyRank()
}

// ChangeBatch is the unit the fetcher produces and the applier consumes.
type ChangeBatch struct {
	ToVersion  int64
	Changes    []Change
	OutOfSyncVersions  map[string]int64 // table qualified name -> destination's stale version
	OutOfSyncDatabases map[string]bool  // table qualified name -> true if some destination opted into repopulation
}

// DestinationState is the in-memory, per-destination bookkeeping the
// orchestrator threads through one group's processing (spec §4.7); the
// persistent half (SyncInfo.Version) lives in internal/bookkeeping.
type DestinationState struct {
	Name                  string
	CurrentVersion        int64
	DisableAllConstraints bool // transient "give up on per-FK deferral" override
	PopulateOutOfSync     bool
	Mode                  DestinationMode
}

// DestinationMode mirrors the config's Mode ∈ {Normal, Slave}.
type DestinationMode string

const (
	ModeSlave  DestinationMode = "slave"
	ModeNormal DestinationMode = "normal"
)

// SyncEvent is the `Synced` notification spec §6 calls for: one per
// successfully completed replication set, carrying the name and the
// version its destinations were advanced to.
type SyncEvent struct {
	ReplicationSet string
	NewVersion     int64
}

// SessionMarker is the tiny on-disk record used to resume after a crash
// (spec §3, §6): {InProgress, DestinationName}. Despite the field name
// (inherited from the spec's vocabulary), it names the replication *set*
// that was last entered, not an individual destination or batch.
type SessionMarker struct {
	InProgress      bool   `json:"InProgress"`
	DestinationName string `json:"DestinationName"`
}
