// Command notesync is the local-first sync daemon and toolbox for the
// NorthStar notes data layer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "notesync",
	Short: "Offline-first sync engine for NorthStar notes",
	Long: `notesync maintains the local notes database, queues local mutations
while offline, and reconciles them against the remote store with
last-write-wins conflict resolution.

Typical usage:
  notesync init       configure server, user and database location
  notesync daemon     run the sync engine, realtime reconciler and sweeper
  notesync sync       force one push/pull cycle
  notesync status     show pending mutations and the last sync time`,
	SilenceUsage: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default ~/.notesync/notesync.yaml)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(groupCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
