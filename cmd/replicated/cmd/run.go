package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowsync/replicator/internal/config"
	"github.com/rowsync/replicator/internal/daemon"
	"github.com/rowsync/replicator/internal/replmodel"
	"github.com/rowsync/replicator/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured replication set once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		return runAllSets(ctx, cfg, log, true)
	},
}

// resumeIndex scans every replication set's session marker and returns the
// index of the first one still marked in-progress (spec §4.7
// "Resumability": a crash mid-batch rolls the transaction back, so
// resuming just re-enters that same set from scratch). Returns 0 (start
// from the beginning) if no marker is in-progress.
func resumeIndex(cfg *config.Config, log *slog.Logger) int {
	for i, set := range cfg.ReplicationSets {
		marker, err := session.NewStore(cfg.SessionMarkerPath(set.Name)).Read()
		if err != nil {
			log.Warn("session: failed to read marker", "replication_set", set.Name, "error", err)
			continue
		}
		if marker.InProgress {
			log.Info("session: resuming from replication set left in-progress by a previous run", "replication_set", set.Name)
			return i
		}
	}
	return 0
}

// runAllSets drives one pass over every replication set, checking for
// cancellation between sets (spec §5); within a set, internal/orchestrator
// also checks it between destination groups. Each set's
// on-disk session marker (spec §3, §4.7) is written by this outer loop,
// not by the engine itself: Begin before entering the set, Clear after it
// finishes (success or failure alike, since resuming a failed set just
// re-runs it from scratch). checkResume applies the resumability rule only
// on a daemon's first pass, never on watch mode's later loop iterations.
func runAllSets(ctx context.Context, cfg *config.Config, log *slog.Logger, checkResume bool) error {
	events := make(chan replmodel.SyncEvent, 1)
	go func() {
		for ev := range events {
			log.Info("received Synced notification", "replication_set", ev.ReplicationSet, "new_version", ev.NewVersion)
		}
	}()
	defer close(events)

	start := 0
	if checkResume {
		start = resumeIndex(cfg, log)
	}

	var failed bool
	for _, set := range cfg.ReplicationSets[start:] {
		if err := ctx.Err(); err != nil {
			return err
		}

		store := session.NewStore(cfg.SessionMarkerPath(set.Name))
		if correlationID, err := store.Begin(set.Name); err != nil {
			log.Warn("session: failed to write in-progress marker", "replication_set", set.Name, "error", err)
		} else {
			log.Info("session: in-progress marker written", "replication_set", set.Name, "correlation_id", correlationID)
		}

		errs, err := daemon.RunReplicationSet(ctx, set, log, events)
		if err != nil {
			log.Error("replication set failed", "replication_set", set.Name, "error", err)
			failed = true
		}
		for _, e := range errs {
			log.Error("destination failed", "replication_set", set.Name, "destination", e.Destination, "error", e.Err)
			failed = true
		}

		if err := store.Clear(); err != nil {
			log.Warn("session: failed to clear marker", "replication_set", set.Name, "error", err)
		}
	}
	if failed {
		return fmt.Errorf("one or more replication sets reported errors")
	}
	return nil
}
