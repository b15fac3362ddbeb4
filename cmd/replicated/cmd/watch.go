package cmd

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run every configured replication set on a loop, at the configured interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		interval := cfg.IntervalDuration()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		firstPass := true
		for {
			if err := runAllSets(ctx, cfg, log, firstPass); err != nil {
				log.Error("replication loop iteration failed", "error", err)
			}
			firstPass = false

			select {
			case <-ctx.Done():
				log.Info("watch: shutting down", "reason", ctx.Err())
				return nil
			case <-ticker.C:
			}
		}
	},
}
