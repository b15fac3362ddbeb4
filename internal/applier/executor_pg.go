package applier

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rowsync/replicator/internal/dbconn"
)

// txExecutor implements Executor over a pgx.Tx so the applier runs inside
// the destination's single transaction (spec §4.5).
type txExecutor struct {
	tx pgx.Tx
}

// NewTxExecutor adapts tx into an Executor.
func NewTxExecutor(tx pgx.Tx) Executor {
	return &txExecutor{tx: tx}
}

func (e *txExecutor) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := e.tx.Exec(ctx, sql, args...)
	return dbconn.Classify(err)
}

func (e *txExecutor) SetIdentityInsert(ctx context.Context, table string, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	_, err := e.tx.Exec(ctx, fmt.Sprintf("set identity_insert %s %s", table, state))
	return dbconn.Classify(err)
}

func (e *txExecutor) DisableConstraint(ctx context.Context, fkName string) error {
	_, err := e.tx.Exec(ctx, fmt.Sprintf("alter table if exists all constraint %s disable", fkName))
	return dbconn.Classify(err)
}

func (e *txExecutor) EnableConstraint(ctx context.Context, fkName string) error {
	_, err := e.tx.Exec(ctx, fmt.Sprintf("alter table if exists all constraint %s enable", fkName))
	return dbconn.Classify(err)
}

const disableAllConstraintsSQL = `select change_tracking_disable_all_constraints()`
const enableAllConstraintsSQL = `select change_tracking_enable_all_constraints()`

func (e *txExecutor) DisableAllConstraints(ctx context.Context) error {
	_, err := e.tx.Exec(ctx, disableAllConstraintsSQL)
	return dbconn.Classify(err)
}

func (e *txExecutor) EnableAllConstraints(ctx context.Context) error {
	_, err := e.tx.Exec(ctx, enableAllConstraintsSQL)
	return dbconn.Classify(err)
}
