package orchestrator

import (
	"context"
	"fmt"

	"github.com/rowsync/replicator/internal/applier"
	"github.com/rowsync/replicator/internal/dbconn"
	"github.com/rowsync/replicator/internal/replmodel"
	"github.com/rowsync/replicator/internal/version"
)

// pgDestinationConn implements DestinationConn against one destination
// database: every call opens a read-uncommitted transaction (spec §4.5:
// "the destination is assumed quiescent and we want non-blocking writes"),
// applies the batch, advances SyncInfo, and commits.
type pgDestinationConn struct {
	name   string
	pool   *dbconn.Pool
	apply  *applier.Applier
}

// NewPostgresDestinationConn adapts pool into a DestinationConn named name
// (matching the config's destination name and SyncInfo.destination_name).
func NewPostgresDestinationConn(name string, pool *dbconn.Pool, apply *applier.Applier) DestinationConn {
	return &pgDestinationConn{name: name, pool: pool, apply: apply}
}

func (c *pgDestinationConn) Apply(ctx context.Context, truncateTables []*replmodel.TableDescriptor, changes []replmodel.Change, opts applier.Options, newVersion int64) error {
	tx, err := c.pool.BeginTx(ctx, dbconn.IsoReadUncommitted)
	if err != nil {
		return fmt.Errorf("orchestrator: begin tx for %s: %w", c.name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	exec := applier.NewTxExecutor(tx)

	if len(truncateTables) > 0 {
		if err := exec.DisableAllConstraints(ctx); err != nil {
			return fmt.Errorf("orchestrator: disable all constraints for %s: %w", c.name, err)
		}
		for _, t := range truncateTables {
			if err := exec.Exec(ctx, fmt.Sprintf("delete from %s", t.TargetQualifiedName())); err != nil {
				return fmt.Errorf("orchestrator: truncate %s on %s: %w", t.QualifiedName(), c.name, err)
			}
		}
	}

	if err := c.apply.Apply(ctx, exec, changes, opts); err != nil {
		return fmt.Errorf("orchestrator: apply batch to %s: %w", c.name, err)
	}

	if len(truncateTables) > 0 {
		if err := exec.EnableAllConstraints(ctx); err != nil {
			return fmt.Errorf("orchestrator: re-enable all constraints for %s: %w", c.name, err)
		}
	}

	oracle := version.New(tx)
	if err := oracle.SetVersion(ctx, c.name, newVersion); err != nil {
		return fmt.Errorf("orchestrator: advance version for %s: %w", c.name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("orchestrator: commit for %s: %w", c.name, err)
	}
	return nil
}

