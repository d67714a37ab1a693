package main

import (
	"context"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/northstarlabs/notesync/internal/cleanup"
	"github.com/northstarlabs/notesync/internal/config"
	"github.com/northstarlabs/notesync/internal/queue"
	"github.com/northstarlabs/notesync/internal/remote"
	"github.com/northstarlabs/notesync/internal/store"
)

var cleanupBefore string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Sweep expired tombstones and dead queue items",
	Long: `Run one retention sweep immediately:

  - purges local tombstones past the retention window
  - drops queue items that exhausted their retries or aged out
  - deletes processed tombstones and audit rows on the server

The --before flag overrides the tombstone cutoff and accepts natural
language ("yesterday", "last monday", "3 days ago") as well as dates.`,
	Example: `  notesync cleanup
  notesync cleanup --before "2 weeks ago"
  notesync cleanup --before yesterday`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		if err := db.InitSchema(ctx); err != nil {
			return err
		}

		sweepCfg := cleanup.DefaultConfig()
		sweepCfg.TombstoneRetention = daysToDuration(cfg.TombstoneRetentionDays)
		sweepCfg.QueueRetention = daysToDuration(cfg.QueueRetentionDays)

		if cleanupBefore != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)

			r, err := w.Parse(cleanupBefore, time.Now())
			if err != nil || r == nil {
				return fmt.Errorf("could not parse --before %q", cleanupBefore)
			}
			retention := time.Since(r.Time)
			if retention < 0 {
				return fmt.Errorf("--before %q is in the future", cleanupBefore)
			}
			sweepCfg.TombstoneRetention = retention
			fmt.Printf("Purging tombstones deleted before %s\n",
				renderAccent(r.Time.Local().Format(time.RFC1123)))
		}

		q := queue.New(db.RawDB())

		sweeper := cleanup.New(db, q, sweeperRemote(cfg), cfg.UserID, sweepCfg)
		sweeper.Run(ctx)

		fmt.Printf("%s Cleanup complete\n", renderSuccess("✓"))
		return nil
	},
}

// sweeperRemote returns the remote leg for the sweeper, or a nil interface
// when no server is configured. Returning a nil *remote.Client directly
// would produce a non-nil RemoteStore and defeat the sweeper's session
// check.
func sweeperRemote(cfg *config.Config) cleanup.RemoteStore {
	if cfg.ServerURL == "" {
		return nil
	}
	return remote.NewClient(cfg.ServerURL, cfg.Token, nil)
}

func init() {
	cleanupCmd.Flags().StringVar(&cleanupBefore, "before", "",
		"purge tombstones deleted before this time (natural language ok)")
}
