package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowsync/replicator/internal/bookkeeping"
	"github.com/rowsync/replicator/internal/dbconn"
)

const migrationsDir = "internal/bookkeeping/migrations"

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or inspect the replication bookkeeping schema on every destination",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations to every configured destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachDestination(cmd, func(m *bookkeeping.Manager, name string) error {
			return m.Up(cmd.Context())
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print migration status for every configured destination",
	RunE: func(cmd *cobra.Command, args []string) error {
		return eachDestination(cmd, func(m *bookkeeping.Manager, name string) error {
			return m.Status(cmd.Context())
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func eachDestination(cmd *cobra.Command, fn func(m *bookkeeping.Manager, name string) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var failed bool
	for _, set := range cfg.ReplicationSets {
		for _, d := range set.Destinations {
			pool, err := dbconn.Open(ctx, dbconn.Config{Name: d.Name, ConnectionString: d.ConnectionString}, log)
			if err != nil {
				return fmt.Errorf("migrate: open %s: %w", d.Name, err)
			}

			manager, err := bookkeeping.New(pool, migrationsDir, log)
			if err != nil {
				pool.Close()
				return fmt.Errorf("migrate: %s: %w", d.Name, err)
			}

			if err := fn(manager, d.Name); err != nil {
				log.Error("migrate: failed", "destination", d.Name, "error", err)
				failed = true
			}

			manager.Close()
			pool.Close()
		}
	}
	if failed {
		return fmt.Errorf("migrate: one or more destinations failed")
	}
	return nil
}
