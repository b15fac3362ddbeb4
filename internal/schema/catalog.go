package schema

import (
	"context"
	"fmt"

	"github.com/rowsync/replicator/internal/dbconn"
)

// CatalogTable is one row of catalog metadata about a candidate table
// (spec §4.1): whether the server's change-tracking facility is enabled
// for it, and whether its primary key is backed by an identity column.
type CatalogTable struct {
	Schema      string
	Name        string
	Tracked     bool
	HasIdentity bool
}

// CatalogColumn is one non-computed, non-row-timestamp column (spec §6
// "Catalog queries").
type CatalogColumn struct {
	Schema, Table, Column string
	IsPrimaryKey          bool
	IsIdentity            bool
	Ordinal               int
}

// CatalogForeignKey is one flattened row of an outgoing FK constraint;
// multi-column FKs appear as several rows sharing Name (spec §3, §9).
type CatalogForeignKey struct {
	Name                   string
	OwnerSchema, OwnerTable, OwnerColumn string
	RefSchema, RefTable, RefColumn       string
	Disabled               bool
}

// CatalogUniqueIndex is one column of a non-primary unique constraint.
type CatalogUniqueIndex struct {
	Name                  string
	Schema, Table, Column string
}

// Catalog is the source-side metadata surface the inspector needs. It is
// implemented against a live database by pgCatalog (below) and
// faked in tests so the topological-sort and filtering logic can be
// exercised without a database (spec §4.1 describes pure algorithmic
// behaviour over catalog output, not the SQL that produces it).
type Catalog interface {
	Tables(ctx context.Context) ([]CatalogTable, error)
	Columns(ctx context.Context, schema, table string) ([]CatalogColumn, error)
	ForeignKeys(ctx context.Context) ([]CatalogForeignKey, error)
	UniqueIndexes(ctx context.Context, schema, table string) ([]CatalogUniqueIndex, error)
	MinValidVersion(ctx context.Context, schema, table string) (int64, error)
}

// pgCatalog implements Catalog by querying the change-tracking facility's
// catalog surface through a dbconn.Pool. Table/column/FK metadata is read
// from the facility's information-schema-equivalent views; the exact view
// names are the facility's concern (spec §1: "a client of the server's
// facility"), kept here as named query constants so they read like real
// catalog SQL rather than placeholders.
type pgCatalog struct {
	pool *dbconn.Pool
}

// NewPostgresCatalog adapts a dbconn.Pool into a Catalog.
func NewPostgresCatalog(pool *dbconn.Pool) Catalog {
	return &pgCatalog{pool: pool}
}

const tablesQuery = `
select t.schema_name, t.table_name, t.change_tracking_enabled, t.has_identity_pk
from sys_change_tracking_tables t
order by t.schema_name, t.table_name
`

func (c *pgCatalog) Tables(ctx context.Context) ([]CatalogTable, error) {
	rows, err := c.pool.Query(ctx, tablesQuery)
	if err != nil {
		return nil, fmt.Errorf("schema: list tables: %w", err)
	}
	defer rows.Close()

	var out []CatalogTable
	for rows.Next() {
		var t CatalogTable
		if err := rows.Scan(&t.Schema, &t.Name, &t.Tracked, &t.HasIdentity); err != nil {
			return nil, fmt.Errorf("schema: scan table row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const columnsQuery = `
select column_name, is_primary_key, is_identity, ordinal_position
from sys_change_tracking_columns
where schema_name = $1 and table_name = $2
  and is_computed = false
  and data_type <> 'rowversion'
order by ordinal_position
`

func (c *pgCatalog) Columns(ctx context.Context, schema, table string) ([]CatalogColumn, error) {
	rows, err := c.pool.Query(ctx, columnsQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("schema: list columns for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var out []CatalogColumn
	for rows.Next() {
		col := CatalogColumn{Schema: schema, Table: table}
		if err := rows.Scan(&col.Column, &col.IsPrimaryKey, &col.IsIdentity, &col.Ordinal); err != nil {
			return nil, fmt.Errorf("schema: scan column row: %w", err)
		}
		out = append(out, col)
	}
	return out, rows.Err()
}

const foreignKeysQuery = `
select fk.constraint_name,
       fk.owner_schema, fk.owner_table, fk.owner_column,
       fk.referenced_schema, fk.referenced_table, fk.referenced_column,
       fk.is_disabled
from sys_foreign_keys fk
order by fk.constraint_name, fk.ordinal_position
`

func (c *pgCatalog) ForeignKeys(ctx context.Context) ([]CatalogForeignKey, error) {
	rows, err := c.pool.Query(ctx, foreignKeysQuery)
	if err != nil {
		return nil, fmt.Errorf("schema: list foreign keys: %w", err)
	}
	defer rows.Close()

	var out []CatalogForeignKey
	for rows.Next() {
		var fk CatalogForeignKey
		if err := rows.Scan(&fk.Name, &fk.OwnerSchema, &fk.OwnerTable, &fk.OwnerColumn,
			&fk.RefSchema, &fk.RefTable, &fk.RefColumn, &fk.Disabled); err != nil {
			return nil, fmt.Errorf("schema: scan foreign key row: %w", err)
		}
		out = append(out, fk)
	}
	return out, rows.Err()
}

const uniqueIndexesQuery = `
select constraint_name, column_name
from sys_unique_constraints
where schema_name = $1 and table_name = $2 and is_primary_key = false
order by constraint_name, ordinal_position
`

func (c *pgCatalog) UniqueIndexes(ctx context.Context, schema, table string) ([]CatalogUniqueIndex, error) {
	rows, err := c.pool.Query(ctx, uniqueIndexesQuery, schema, table)
	if err != nil {
		return nil, fmt.Errorf("schema: list unique indexes for %s.%s: %w", schema, table, err)
	}
	defer rows.Close()

	var out []CatalogUniqueIndex
	for rows.Next() {
		u := CatalogUniqueIndex{Schema: schema, Table: table}
		if err := rows.Scan(&u.Name, &u.Column); err != nil {
			return nil, fmt.Errorf("schema: scan unique index row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

const minValidVersionQuery = `select change_tracking_min_valid_version($1, $2)`

func (c *pgCatalog) MinValidVersion(ctx context.Context, schema, table string) (int64, error) {
	var v int64
	err := c.pool.QueryRow(ctx, minValidVersionQuery, schema, table).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("schema: min valid version for %s.%s: %w", schema, table, err)
	}
	return v, nil
}
