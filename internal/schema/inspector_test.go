package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatalog is an in-memory Catalog so the ordering/filtering/diagnostic
// logic can be exercised without a database (spec §4.1 describes pure
// algorithmic behaviour over catalog output).
type fakeCatalog struct {
	tables  []CatalogTable
	columns map[string][]CatalogColumn
	fks     []CatalogForeignKey
	uniques map[string][]CatalogUniqueIndex
}

func key(schema, table string) string { return schema + "." + table }

func (f *fakeCatalog) Tables(ctx context.Context) ([]CatalogTable, error) {
	return f.tables, nil
}

func (f *fakeCatalog) Columns(ctx context.Context, schema, table string) ([]CatalogColumn, error) {
	return f.columns[key(schema, table)], nil
}

func (f *fakeCatalog) ForeignKeys(ctx context.Context) ([]CatalogForeignKey, error) {
	return f.fks, nil
}

func (f *fakeCatalog) UniqueIndexes(ctx context.Context, schema, table string) ([]CatalogUniqueIndex, error) {
	return f.uniques[key(schema, table)], nil
}

func (f *fakeCatalog) MinValidVersion(ctx context.Context, schema, table string) (int64, error) {
	return 0, nil
}

func pkCol(name string) CatalogColumn { return CatalogColumn{Column: name, IsPrimaryKey: true} }
func col(name string) CatalogColumn   { return CatalogColumn{Column: name} }

func baseCatalog() *fakeCatalog {
	return &fakeCatalog{
		tables: []CatalogTable{
			{Schema: "dbo", Name: "customers", Tracked: true},
			{Schema: "dbo", Name: "orders", Tracked: true},
			{Schema: "dbo", Name: "order_items", Tracked: true},
		},
		columns: map[string][]CatalogColumn{
			key("dbo", "customers"):   {pkCol("id"), col("name")},
			key("dbo", "orders"):      {pkCol("id"), col("customer_id")},
			key("dbo", "order_items"): {pkCol("id"), col("order_id"), col("qty")},
		},
		fks: []CatalogForeignKey{
			{Name: "fk_orders_customers", OwnerSchema: "dbo", OwnerTable: "orders", OwnerColumn: "customer_id",
				RefSchema: "dbo", RefTable: "customers", RefColumn: "id"},
			{Name: "fk_items_orders", OwnerSchema: "dbo", OwnerTable: "order_items", OwnerColumn: "order_id",
				RefSchema: "dbo", RefTable: "orders", RefColumn: "id"},
		},
		uniques: map[string][]CatalogUniqueIndex{},
	}
}

func TestInspect_OrdersReferencedTablesFirst(t *testing.T) {
	cat := baseCatalog()
	// Deliberately list tables out of dependency order in the catalog to
	// prove the insertion algorithm, not catalog order, determines output.
	cat.tables = []CatalogTable{
		{Schema: "dbo", Name: "order_items", Tracked: true},
		{Schema: "dbo", Name: "orders", Tracked: true},
		{Schema: "dbo", Name: "customers", Tracked: true},
	}

	ins := NewInspector(cat, nil)
	descs, err := ins.Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 3)

	posOf := map[string]int{}
	for _, d := range descs {
		posOf[d.QualifiedName()] = d.DependencyOrder
	}
	assert.Less(t, posOf["dbo.customers"], posOf["dbo.orders"])
	assert.Less(t, posOf["dbo.orders"], posOf["dbo.order_items"])
}

func TestInspect_ForeignKeyIdxRemappedToFinalOrder(t *testing.T) {
	cat := baseCatalog()
	ins := NewInspector(cat, nil)
	descs, err := ins.Inspect(context.Background())
	require.NoError(t, err)

	byName := map[string]int{}
	for i, d := range descs {
		byName[d.QualifiedName()] = i
	}

	var ordersDesc = descs[byName["dbo.orders"]]
	require.Len(t, ordersDesc.ForeignKeys, 1)
	assert.Equal(t, byName["dbo.orders"], ordersDesc.ForeignKeys[0].OwnerIdx)
	assert.Equal(t, byName["dbo.customers"], ordersDesc.ForeignKeys[0].ReferencedIdx)

	itemsDesc := descs[byName["dbo.order_items"]]
	require.Len(t, itemsDesc.ForeignKeys, 1)
	assert.Equal(t, byName["dbo.order_items"], itemsDesc.ForeignKeys[0].OwnerIdx)
	assert.Equal(t, byName["dbo.orders"], itemsDesc.ForeignKeys[0].ReferencedIdx)
}

func TestInspect_DetectsCycle(t *testing.T) {
	cat := baseCatalog()
	// Introduce a cycle: customers -> order_items (in addition to the
	// existing orders -> customers and order_items -> orders edges).
	cat.fks = append(cat.fks, CatalogForeignKey{
		Name: "fk_customers_items", OwnerSchema: "dbo", OwnerTable: "customers", OwnerColumn: "last_item_id",
		RefSchema: "dbo", RefTable: "order_items", RefColumn: "id",
	})

	ins := NewInspector(cat, nil)
	_, err := ins.Inspect(context.Background())
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.NotEmpty(t, cycleErr.Constraints)
}

func TestInspect_UntrackedTableIsFatal(t *testing.T) {
	cat := baseCatalog()
	cat.tables[1].Tracked = false // orders

	ins := NewInspector(cat, nil)
	_, err := ins.Inspect(context.Background())
	require.Error(t, err)
	var untracked *UntrackedTableError
	require.ErrorAs(t, err, &untracked)
	assert.Contains(t, untracked.Tables, "dbo.orders")
	assert.Contains(t, untracked.Error(), "ENABLE CHANGE_TRACKING")
}

func TestInspect_IncludeTablesRestrictsEffectiveSet(t *testing.T) {
	cat := baseCatalog()
	ins := NewInspector(cat, nil)
	ins.IncludeTables = []string{"customers"}

	descs, err := ins.Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "dbo.customers", descs[0].QualifiedName())
}

func TestInspect_ExcludeTablesRemovesFromEffectiveSet(t *testing.T) {
	cat := baseCatalog()
	ins := NewInspector(cat, nil)
	ins.ExcludeTables = []string{"dbo.order_items"}

	descs, err := ins.Inspect(context.Background())
	require.NoError(t, err)
	require.Len(t, descs, 2)
	for _, d := range descs {
		assert.NotEqual(t, "dbo.order_items", d.QualifiedName())
	}
}

func TestInspect_TableMappingAttachedNotAppliedToSourceOrder(t *testing.T) {
	cat := baseCatalog()
	ins := NewInspector(cat, nil).WithTableMapping("dbo.customers", "reporting", "dim_customers")

	descs, err := ins.Inspect(context.Background())
	require.NoError(t, err)

	var customers = descs[0]
	for _, d := range descs {
		if d.QualifiedName() == "dbo.customers" {
			customers = d
		}
	}
	assert.Equal(t, "reporting.dim_customers", customers.TargetQualifiedName())
	assert.Equal(t, "dbo.customers", customers.QualifiedName())
}

func TestInspect_MultiColumnForeignKeyGroupedByConstraintName(t *testing.T) {
	cat := &fakeCatalog{
		tables: []CatalogTable{
			{Schema: "dbo", Name: "regions", Tracked: true},
			{Schema: "dbo", Name: "stores", Tracked: true},
		},
		columns: map[string][]CatalogColumn{
			key("dbo", "regions"): {pkCol("country"), pkCol("region_code")},
			key("dbo", "stores"):  {pkCol("id"), col("country"), col("region_code")},
		},
		fks: []CatalogForeignKey{
			{Name: "fk_stores_regions", OwnerSchema: "dbo", OwnerTable: "stores", OwnerColumn: "country",
				RefSchema: "dbo", RefTable: "regions", RefColumn: "country"},
			{Name: "fk_stores_regions", OwnerSchema: "dbo", OwnerTable: "stores", OwnerColumn: "region_code",
				RefSchema: "dbo", RefTable: "regions", RefColumn: "region_code"},
		},
		uniques: map[string][]CatalogUniqueIndex{},
	}

	ins := NewInspector(cat, nil)
	descs, err := ins.Inspect(context.Background())
	require.NoError(t, err)

	var stores = descs[0]
	for _, d := range descs {
		if d.QualifiedName() == "dbo.stores" {
			stores = d
		}
	}
	require.Len(t, stores.ForeignKeys, 1)
	assert.Len(t, stores.ForeignKeys[0].Columns, 2)
}

func TestInspect_EmptyEffectiveSetReturnsNil(t *testing.T) {
	cat := baseCatalog()
	ins := NewInspector(cat, nil)
	ins.IncludeTables = []string{"does_not_exist"}

	descs, err := ins.Inspect(context.Background())
	require.NoError(t, err)
	assert.Nil(t, descs)
}
