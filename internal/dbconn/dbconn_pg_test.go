package dbconn_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/rowsync/replicator/internal/applier"
	"github.com/rowsync/replicator/internal/changefeed"
	"github.com/rowsync/replicator/internal/dbconn"
	"github.com/rowsync/replicator/internal/orchestrator"
	"github.com/rowsync/replicator/internal/replmodel"
	"github.com/rowsync/replicator/internal/repopulate"
	"github.com/rowsync/replicator/internal/schema"
)

// setupPool starts a Postgres container and opens a dbconn.Pool against it,
// following the teacher's container-per-test pattern.
func setupPool(t *testing.T) *dbconn.Pool {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("replicator_test"),
		postgres.WithUsername("replicator"),
		postgres.WithPassword("replicator"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(10*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %s", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate postgres container: %s", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %s", err)
	}

	pool, err := dbconn.Open(ctx, dbconn.Config{Name: "test", ConnectionString: connStr}, nil)
	if err != nil {
		t.Fatalf("failed to open pool: %s", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// facilitySchema creates the server-side change-tracking facility this
// engine is a client of (spec §1), scoped to two tables with a
// forward-referencing foreign key: customers and orders. The facility is
// test-only scaffolding, mirroring the way a real change-tracking-enabled
// server would expose sys_change_tracking_tables/columns and the
// change_tracking_* functions — it is not something the replicator itself
// provisions.
const facilitySchema = `
create table customers (
	id integer primary key,
	name text not null
);

create table orders (
	id integer primary key,
	customer_id integer not null references customers(id),
	amount integer not null
);

create table sys_change_tracking_tables (
	schema_name text not null,
	table_name text not null,
	change_tracking_enabled boolean not null,
	has_identity_pk boolean not null
);

create table sys_change_tracking_columns (
	schema_name text not null,
	table_name text not null,
	column_name text not null,
	is_primary_key boolean not null,
	is_identity boolean not null,
	is_computed boolean not null default false,
	data_type text not null default 'integer',
	ordinal_position int not null
);

create table sys_foreign_keys (
	constraint_name text not null,
	owner_schema text not null,
	owner_table text not null,
	owner_column text not null,
	referenced_schema text not null,
	referenced_table text not null,
	referenced_column text not null,
	is_disabled boolean not null,
	ordinal_position int not null
);

create table sys_unique_constraints (
	schema_name text not null,
	table_name text not null,
	constraint_name text not null,
	column_name text not null,
	is_primary_key boolean not null,
	ordinal_position int not null
);

create table sys_changes (
	change_id bigserial primary key,
	schema_name text not null,
	table_name text not null,
	version bigint not null,
	creation_version bigint not null,
	operation text not null,
	key_values jsonb not null
);

insert into sys_change_tracking_tables values
	('public', 'customers', true, false),
	('public', 'orders', true, false);

insert into sys_change_tracking_columns values
	('public', 'customers', 'id', true, false, false, 'integer', 1),
	('public', 'customers', 'name', false, false, false, 'text', 2),
	('public', 'orders', 'id', true, false, false, 'integer', 1),
	('public', 'orders', 'customer_id', false, false, false, 'integer', 2),
	('public', 'orders', 'amount', false, false, false, 'integer', 3);

insert into sys_foreign_keys values
	('fk_orders_customer', 'public', 'orders', 'customer_id', 'public', 'customers', 'id', false, 1);

create or replace function change_tracking_current_version() returns bigint as $$
	select coalesce(max(version), 0) from sys_changes
$$ language sql stable;

create or replace function change_tracking_min_valid_version(p_schema text, p_table text) returns bigint as $$
	select 0::bigint
$$ language sql stable;

create or replace function change_tracking_changes(p_schema text, p_table text, p_since bigint)
returns table(version bigint, creation_version bigint, operation text, key_values jsonb) as $$
	select c.version, c.creation_version, c.operation, c.key_values
	from sys_changes c
	where c.schema_name = p_schema and c.table_name = p_table and c.version > p_since
	order by c.version
$$ language sql stable;
`

func recordChange(ctx context.Context, t *testing.T, pool *dbconn.Pool, table, op string, version int64, keys map[string]any) {
	t.Helper()
	keyJSON, err := json.Marshal(keys)
	if err != nil {
		t.Fatalf("marshal keys: %s", err)
	}
	_, err = pool.Exec(ctx,
		`insert into sys_changes (schema_name, table_name, version, creation_version, operation, key_values)
		 values ('public', $1, $2, $2, $3, $4)`,
		table, version, op, keyJSON)
	if err != nil {
		t.Fatalf("record change for %s: %s", table, err)
	}
}

// TestEndToEnd_InsertsForwardReferencingOrderBeforeCustomer drives the full
// schema inspection -> fetch -> plan -> apply path against a real Postgres
// source and destination, verifying the FK deferral planner lets a
// forward-referencing insert land before its not-yet-replicated parent and
// that both rows exist on the destination afterward.
func TestEndToEnd_InsertsForwardReferencingOrderBeforeCustomer(t *testing.T) {
	ctx := context.Background()

	source := setupPool(t)
	if _, err := source.Exec(ctx, facilitySchema); err != nil {
		t.Fatalf("create facility schema: %s", err)
	}

	dest := setupPool(t)
	if _, err := dest.Exec(ctx, `
		create table customers (id integer primary key, name text not null);
		create table orders (id integer primary key, customer_id integer not null references customers(id), amount integer not null);
	`); err != nil {
		t.Fatalf("create destination schema: %s", err)
	}

	if _, err := source.Exec(ctx, `insert into customers (id, name) values (7, 'Acme')`); err != nil {
		t.Fatalf("seed customer: %s", err)
	}
	if _, err := source.Exec(ctx, `insert into orders (id, customer_id, amount) values (100, 7, 500)`); err != nil {
		t.Fatalf("seed order: %s", err)
	}
	recordChange(ctx, t, source, "orders", "I", 5, map[string]any{"id": 100})
	recordChange(ctx, t, source, "customers", "I", 6, map[string]any{"id": 7})

	catalog := schema.NewPostgresCatalog(source)
	inspector := schema.NewInspector(catalog, nil)
	tables, err := inspector.Inspect(ctx)
	if err != nil {
		t.Fatalf("inspect: %s", err)
	}

	fetchSource := changefeed.NewPostgresSource(source)
	fetcher := changefeed.New(fetchSource, nil)

	rowSource := repopulate.NewPostgresRowSource(source, nil)
	apply := applier.New(nil)
	repopulateEngine := repopulate.New(rowSource, apply, nil)

	orch := orchestrator.New(fetcher, repopulateEngine, nil)

	conn := orchestrator.NewPostgresDestinationConn("dest", dest, apply)
	conns := map[string]orchestrator.DestinationConn{"dest": conn}
	destinations := []*replmodel.DestinationState{
		{Name: "dest", CurrentVersion: 0, Mode: replmodel.ModeSlave},
	}

	if _, err := orch.RunSet(ctx, tables, destinations, conns); err != nil {
		t.Fatalf("run set: %s", err)
	}

	var customerCount, orderCount int
	if err := dest.QueryRow(ctx, `select count(*) from customers where id = 7`).Scan(&customerCount); err != nil {
		t.Fatalf("count customers: %s", err)
	}
	if err := dest.QueryRow(ctx, `select count(*) from orders where id = 100`).Scan(&orderCount); err != nil {
		t.Fatalf("count orders: %s", err)
	}
	if customerCount != 1 {
		t.Errorf("expected customer 7 to exist on destination, got count %d", customerCount)
	}
	if orderCount != 1 {
		t.Errorf("expected order 100 to exist on destination, got count %d", orderCount)
	}

	var storedVersion int64
	if err := dest.QueryRow(ctx, `select version from sync_info where destination_name = 'dest'`).Scan(&storedVersion); err != nil {
		t.Fatalf("read sync_info: %s", err)
	}
	if storedVersion != 6 {
		t.Errorf("expected destination version to advance to 6, got %d", storedVersion)
	}
}
