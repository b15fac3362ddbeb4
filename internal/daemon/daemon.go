// Package daemon wires one configured replication set's components
// together (schema inspection, change fetch, FK planning, apply,
// repopulation, orchestration) and runs it end to end, so cmd/replicated
// stays a thin flag/signal layer over this package.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rowsync/replicator/internal/applier"
	"github.com/rowsync/replicator/internal/changefeed"
	"github.com/rowsync/replicator/internal/config"
	"github.com/rowsync/replicator/internal/dbconn"
	"github.com/rowsync/replicator/internal/metrics"
	"github.com/rowsync/replicator/internal/orchestrator"
	"github.com/rowsync/replicator/internal/replmodel"
	"github.com/rowsync/replicator/internal/repopulate"
	"github.com/rowsync/replicator/internal/schema"
	"github.com/rowsync/replicator/internal/version"
)

// RunReplicationSet opens a source and one pool per destination, inspects
// the schema, and drives one pass of the orchestrator over set. All pools
// are closed before returning. On a clean run (no destination errors), it
// sends one replmodel.SyncEvent on events (spec §6 "Synced" notification);
// events may be nil, and sends never block the caller (a full/absent
// channel just drops the notification).
func RunReplicationSet(ctx context.Context, set config.ReplicationSetConfig, logger *slog.Logger, events chan<- replmodel.SyncEvent) ([]orchestrator.DestinationError, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("replication_set", set.Name)

	sourcePool, err := dbconn.Open(ctx, poolConfig(set.Source), logger)
	if err != nil {
		return nil, fmt.Errorf("daemon: open source %s: %w", set.Source.Name, err)
	}
	defer sourcePool.Close()

	destPools := make(map[string]*dbconn.Pool, len(set.Destinations))
	defer func() {
		for _, p := range destPools {
			p.Close()
		}
	}()
	for _, d := range set.Destinations {
		pool, err := dbconn.Open(ctx, poolConfig(d), logger)
		if err != nil {
			return nil, fmt.Errorf("daemon: open destination %s: %w", d.Name, err)
		}
		destPools[d.Name] = pool
	}

	inspector := schema.NewInspector(schema.NewPostgresCatalog(sourcePool), logger)
	inspector.IncludeTables = set.Tables
	inspector.ExcludeTables = set.ExcludeTables
	for _, d := range set.Destinations {
		applyTableMappings(inspector, d.TableMapping)
	}

	tables, err := inspector.Inspect(ctx)
	if err != nil {
		return nil, fmt.Errorf("daemon: inspect schema for %s: %w", set.Name, err)
	}
	if len(tables) == 0 {
		logger.Warn("daemon: effective table set is empty, nothing to replicate")
		return nil, nil
	}

	destinations := make([]*replmodel.DestinationState, 0, len(set.Destinations))
	conns := make(map[string]orchestrator.DestinationConn, len(set.Destinations))
	for _, d := range set.Destinations {
		pool := destPools[d.Name]
		current, err := readDestinationVersion(ctx, pool, d.Name)
		if err != nil {
			return nil, fmt.Errorf("daemon: read destination version for %s: %w", d.Name, err)
		}

		destinations = append(destinations, &replmodel.DestinationState{
			Name:              d.Name,
			CurrentVersion:    current,
			PopulateOutOfSync: d.PopulateOutOfSync,
			Mode:              toReplModelMode(d.Mode),
		})
		conns[d.Name] = orchestrator.NewPostgresDestinationConn(d.Name, pool, applier.New(logger))
	}

	hasCreatedOn := func(t *replmodel.TableDescriptor) bool {
		for _, c := range t.Others {
			if strings.EqualFold(c.Name, "CreatedOn") {
				return true
			}
		}
		return false
	}

	fetcher := changefeed.New(changefeed.NewPostgresSource(sourcePool), logger)
	repopulateEngine := repopulate.New(repopulate.NewPostgresRowSource(sourcePool, hasCreatedOn), applier.New(logger), logger)
	orch := orchestrator.New(fetcher, repopulateEngine, logger)

	errs, err := orch.RunSet(ctx, tables, destinations, conns)
	if err != nil {
		return nil, fmt.Errorf("daemon: run replication set %s: %w", set.Name, err)
	}
	if len(errs) == 0 {
		emitSynced(ctx, set, destPools, logger, events)
	}
	return errs, nil
}

// emitSynced re-reads every destination's confirmed version, logs and
// counts one Synced notification per spec §6, and forwards it on events
// carrying the set's newest confirmed version. A read failure here only
// degrades the notification (logged); it does not turn a successful
// replication pass into an error.
func emitSynced(ctx context.Context, set config.ReplicationSetConfig, destPools map[string]*dbconn.Pool, logger *slog.Logger, events chan<- replmodel.SyncEvent) {
	var newVersion int64 = -1
	for _, d := range set.Destinations {
		v, err := readDestinationVersion(ctx, destPools[d.Name], d.Name)
		if err != nil {
			logger.Warn("daemon: failed to read confirmed version for Synced notification", "destination", d.Name, "error", err)
			continue
		}
		metrics.DestinationVersion.WithLabelValues(d.Name).Set(float64(v))
		if v > newVersion {
			newVersion = v
		}
	}

	metrics.SyncedTotal.WithLabelValues(set.Name).Inc()
	logger.Info("Synced", "replication_set", set.Name, "new_version", newVersion)

	if events == nil {
		return
	}
	select {
	case events <- replmodel.SyncEvent{ReplicationSet: set.Name, NewVersion: newVersion}:
	default:
	}
}

func poolConfig(d config.DatabaseConfig) dbconn.Config {
	return dbconn.Config{Name: d.Name, ConnectionString: d.ConnectionString}
}

func applyTableMappings(inspector *schema.Inspector, mappings []config.TableMapping) {
	for _, m := range mappings {
		schemaName, tableName := splitQualified(m.Target)
		inspector.WithTableMapping(m.Source, schemaName, tableName)
		for _, cm := range m.ColumnMappings {
			inspector.WithColumnMapping(m.Source, cm.Source, cm.Target)
		}
	}
}

func splitQualified(name string) (schemaName, tableName string) {
	if idx := strings.IndexByte(name, '.'); idx >= 0 {
		return name[:idx], name[idx+1:]
	}
	return "dbo", name
}

func readDestinationVersion(ctx context.Context, pool *dbconn.Pool, name string) (int64, error) {
	tx, err := pool.BeginTx(ctx, dbconn.IsoReadUncommitted)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	v, err := version.New(tx).CurrentVersion(ctx, name)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func toReplModelMode(m config.DestinationMode) replmodel.DestinationMode {
	if strings.EqualFold(string(m), string(config.ModeNormal)) {
		return replmodel.ModeNormal
	}
	return replmodel.ModeSlave
}
