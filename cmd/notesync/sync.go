package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/northstarlabs/notesync/internal/config"
	"github.com/northstarlabs/notesync/internal/engine"
	"github.com/northstarlabs/notesync/internal/queue"
	"github.com/northstarlabs/notesync/internal/remote"
	"github.com/northstarlabs/notesync/internal/store"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Force one push/pull cycle",
	Long: `Run one full sync cycle against the remote store:

  1. Pushes up to 50 queued local mutations, oldest first
  2. Pulls remote notes and groups updated since the last sync
  3. Resolves conflicts last-write-wins and advances the watermark`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w (run 'notesync init')", err)
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

		q := queue.New(db.RawDB())
		client := remote.NewClient(cfg.ServerURL, cfg.Token, nil)

		if err := client.Ping(ctx); err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}

		engCfg := engine.DefaultConfig()
		engCfg.Interval = cfg.SyncInterval
		eng := engine.New(db, db, q, client, cfg.UserID, engCfg)
		eng.SetOnline(true)

		fmt.Printf("%s Syncing with %s...\n", renderAccent("🔄"), cfg.ServerURL)
		start := time.Now()

		if err := eng.Sync(ctx); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}

		st := eng.Status(ctx)
		fmt.Printf("%s Sync complete in %s (%d mutations still pending)\n",
			renderSuccess("✓"), time.Since(start).Round(time.Millisecond), st.PendingCount)
		return nil
	},
}
