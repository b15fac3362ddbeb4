package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rowsync/replicator/internal/config"
	"github.com/rowsync/replicator/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "replicated",
	Short: "Row-level change replication daemon",
	Long: `replicated replicates row-level changes from one source database to
one or more destinations using change-tracking history, following the
replication set / source / destinations configuration document.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the replicator config YAML file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(sessionCmd)
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	return cfg, log, nil
}
