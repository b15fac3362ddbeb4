package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rowsync/replicator/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or clear a replication set's resumability marker",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <replication-set>",
	Short: "Print the resumability marker for a replication set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		store := session.NewStore(cfg.SessionMarkerPath(args[0]))
		marker, err := store.Read()
		if err != nil {
			return err
		}

		fmt.Printf("in_progress: %v\n", marker.InProgress)
		fmt.Printf("destination:  %s\n", marker.DestinationName)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <replication-set>",
	Short: "Clear a replication set's resumability marker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}

		store := session.NewStore(cfg.SessionMarkerPath(args[0]))
		return store.Clear()
	},
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionClearCmd)
}
