package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowsync/replicator/internal/replmodel"
)

func descriptor(name string, order int, fks ...replmodel.ForeignKey) *replmodel.TableDescriptor {
	return &replmodel.TableDescriptor{Schema: "dbo", Name: name, DependencyOrder: order, ForeignKeys: fks}
}

// TestPlan_DefersForwardReferenceWithinBatch models the case from spec
// §4.4: a child row references a parent that is inserted later in the same
// batch (the parent's current state is fetched at the parent's newest
// version, which sorts after the child by creationVersion).
func TestPlan_DefersForwardReferenceWithinBatch(t *testing.T) {
	customers := descriptor("customers", 0)
	orders := descriptor("orders", 1, replmodel.ForeignKey{
		Name:          "fk_orders_customers",
		OwnerIdx:      1,
		ReferencedIdx: 0,
		Columns:       []replmodel.ColumnPair{{OwnerColumn: "customer_id", ReferencedColumn: "id"}},
	})

	changes := []replmodel.Change{
		{
			Table: orders, Op: replmodel.OpInsert, CreationVersion: 5, Version: 5,
			Keys:   replmodel.ColumnSet{{Name: "id", Value: int64(1)}},
			Others: replmodel.ColumnSet{{Name: "customer_id", Value: int64(42)}},
		},
		{
			Table: customers, Op: replmodel.OpInsert, CreationVersion: 6, Version: 6,
			Keys: replmodel.ColumnSet{{Name: "id", Value: int64(42)}},
		},
	}

	Plan(changes)

	require.NotNil(t, changes[0].Deferred)
	assert.Equal(t, int64(6), changes[0].Deferred["fk_orders_customers"])
	assert.Nil(t, changes[1].Deferred)
}

func TestPlan_NoDeferralWhenValuesDiffer(t *testing.T) {
	customers := descriptor("customers", 0)
	orders := descriptor("orders", 1, replmodel.ForeignKey{
		Name: "fk_orders_customers", OwnerIdx: 1, ReferencedIdx: 0,
		Columns: []replmodel.ColumnPair{{OwnerColumn: "customer_id", ReferencedColumn: "id"}},
	})

	changes := []replmodel.Change{
		{
			Table: orders, Op: replmodel.OpInsert, CreationVersion: 5, Version: 5,
			Keys:   replmodel.ColumnSet{{Name: "id", Value: int64(1)}},
			Others: replmodel.ColumnSet{{Name: "customer_id", Value: int64(42)}},
		},
		{
			Table: customers, Op: replmodel.OpInsert, CreationVersion: 6, Version: 6,
			Keys: replmodel.ColumnSet{{Name: "id", Value: int64(99)}},
		},
	}

	Plan(changes)
	assert.Nil(t, changes[0].Deferred)
}

// TestPlan_DefersAcrossUnrelatedIntermediateChange reproduces the case an
// earlier, narrower scan window missed: the referenced row's creationVersion
// (7) is more than one version past the child's (5), with an unrelated
// change at creationVersion 6 sorted in between. The scan must still reach
// the real match instead of stopping at the intervening change.
func TestPlan_DefersAcrossUnrelatedIntermediateChange(t *testing.T) {
	customers := descriptor("customers", 0)
	other := descriptor("other", 2)
	orders := descriptor("orders", 1, replmodel.ForeignKey{
		Name: "fk_orders_customers", OwnerIdx: 1, ReferencedIdx: 0,
		Columns: []replmodel.ColumnPair{{OwnerColumn: "customer_id", ReferencedColumn: "id"}},
	})

	changes := []replmodel.Change{
		{
			Table: orders, Op: replmodel.OpInsert, CreationVersion: 5, Version: 5,
			Keys:   replmodel.ColumnSet{{Name: "id", Value: int64(1)}},
			Others: replmodel.ColumnSet{{Name: "customer_id", Value: int64(42)}},
		},
		{
			Table: other, Op: replmodel.OpInsert, CreationVersion: 6, Version: 6,
			Keys: replmodel.ColumnSet{{Name: "id", Value: int64(1)}},
		},
		{
			Table: customers, Op: replmodel.OpInsert, CreationVersion: 7, Version: 7,
			Keys: replmodel.ColumnSet{{Name: "id", Value: int64(42)}},
		},
	}

	Plan(changes)
	require.NotNil(t, changes[0].Deferred)
	assert.Equal(t, int64(7), changes[0].Deferred["fk_orders_customers"])
}

func TestPlan_NoDeferralForReferenceOutsideBatch(t *testing.T) {
	customers := descriptor("customers", 0)
	orders := descriptor("orders", 1, replmodel.ForeignKey{
		Name: "fk_orders_customers", OwnerIdx: 1, ReferencedIdx: 0,
		Columns: []replmodel.ColumnPair{{OwnerColumn: "customer_id", ReferencedColumn: "id"}},
	})

	// No change in the batch re-creates customer 42, so there's nothing to
	// defer against; the reference must already be satisfied outside this
	// batch (or the apply will surface a real FK violation).
	changes := []replmodel.Change{
		{
			Table: orders, Op: replmodel.OpInsert, CreationVersion: 5, Version: 5,
			Keys:   replmodel.ColumnSet{{Name: "id", Value: int64(1)}},
			Others: replmodel.ColumnSet{{Name: "customer_id", Value: int64(42)}},
		},
	}

	Plan(changes)
	assert.Nil(t, changes[0].Deferred)
}

func TestPlan_RepopulateRecordsAreAlwaysScanned(t *testing.T) {
	customers := descriptor("customers", 0)
	orders := descriptor("orders", 1, replmodel.ForeignKey{
		Name: "fk_orders_customers", OwnerIdx: 1, ReferencedIdx: 0,
		Columns: []replmodel.ColumnPair{{OwnerColumn: "customer_id", ReferencedColumn: "id"}},
	})

	changes := []replmodel.Change{
		{
			Table: orders, Op: replmodel.OpRepopulate, CreationVersion: 5, Version: 5,
			Keys:   replmodel.ColumnSet{{Name: "id", Value: int64(1)}},
			Others: replmodel.ColumnSet{{Name: "customer_id", Value: int64(42)}},
		},
		{
			Table: customers, Op: replmodel.OpRepopulate, CreationVersion: 5, Version: 5,
			Keys: replmodel.ColumnSet{{Name: "id", Value: int64(42)}},
		},
	}

	Plan(changes)
	require.NotNil(t, changes[0].Deferred)
	assert.Equal(t, int64(5), changes[0].Deferred["fk_orders_customers"])
}
