// Package planner implements the FK Deferral Planner (C4): marking which
// outgoing foreign keys on a change must stay disabled until a later point
// in the same batch because their referenced row has not been created yet.
package planner

import (
	"github.com/rowsync/replicator/internal/replmodel"
)

// Plan scans batch in place, populating each Change.Deferred map per spec
// §4.4. Changes is assumed already ordered by internal/changefeed
// (creationVersion ASC, dependencyOrder ASC, operation DESC).
func Plan(changes []replmodel.Change) {
	maxCreationVersion := int64(0)
	for _, c := range changes {
		if c.CreationVersion > maxCreationVersion {
			maxCreationVersion = c.CreationVersion
		}
	}

	for i := range changes {
		c := &changes[i]
		if c.Op != replmodel.OpInsert && c.Op != replmodel.OpRepopulate {
			continue
		}
		if c.Table == nil || len(c.Table.ForeignKeys) == 0 {
			continue
		}

		for j := i + 1; j < len(changes); j++ {
			candidate := &changes[j]
			// A forward reference can only be resolved by a row created
			// somewhere else in this same batch; once the scan passes the
			// highest creationVersion present in the batch there is nothing
			// left that could satisfy it.
			if candidate.CreationVersion > maxCreationVersion {
				break
			}
			if candidate.Op != replmodel.OpInsert && candidate.Op != replmodel.OpRepopulate {
				continue
			}

			for _, fk := range c.Table.ForeignKeys {
				if fk.ReferencedIdx != candidate.Table.DependencyOrder {
					continue
				}
				pair := fk.Column()
				ownerVal, ok := c.Keys.Get(pair.OwnerColumn)
				if !ok {
					ownerVal, ok = c.Others.Get(pair.OwnerColumn)
				}
				if !ok {
					continue
				}
				refVal, ok := candidate.Keys.Get(pair.ReferencedColumn)
				if !ok {
					refVal, ok = candidate.Others.Get(pair.ReferencedColumn)
				}
				if !ok {
					continue
				}
				if valuesEqual(ownerVal, refVal) {
					c.DeferUntil(fk.Name, candidate.CreationVersion)
				}
			}
		}
	}
}

// valuesEqual compares two opaque column values using Go equality; both
// sides are expected to come from the same driver's scan path and so share
// comparable dynamic types (spec §9 "opaque value" tagged union).
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a == b
}
