// Command replicated runs the row-level change-replication daemon.
package main

import (
	"fmt"
	"os"

	"github.com/rowsync/replicator/cmd/replicated/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
