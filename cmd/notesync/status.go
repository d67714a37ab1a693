package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/northstarlabs/notesync/internal/config"
	"github.com/northstarlabs/notesync/internal/engine"
	"github.com/northstarlabs/notesync/internal/queue"
	"github.com/northstarlabs/notesync/internal/remote"
	"github.com/northstarlabs/notesync/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Show the state of the local sync queue and the last successful sync:
pending mutation count, the pull watermark, and whether the remote store
is currently reachable.`,
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

		q := queue.New(db.RawDB())
		pending, err := q.PendingCount(ctx, cfg.UserID)
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", renderAccent("notesync status"))
		fmt.Printf("  User:     %s\n", cfg.UserID)
		fmt.Printf("  Database: %s\n", cfg.DBPath)
		fmt.Printf("  Pending:  %d queued mutations\n", pending)

		wm, err := db.GetSetting(ctx, engine.WatermarkKey)
		switch {
		case errors.Is(err, store.ErrNotFound):
			fmt.Printf("  Last sync: %s\n", renderDim("never"))
		case err != nil:
			return err
		default:
			if t, perr := time.Parse(time.RFC3339Nano, wm); perr == nil {
				fmt.Printf("  Last sync: %s (%s ago)\n",
					t.Local().Format(time.RFC1123), time.Since(t).Round(time.Second))
			} else {
				fmt.Printf("  Last sync: %s\n", wm)
			}
		}

		if cfg.ServerURL == "" {
			fmt.Printf("  Server:   %s\n", renderWarn("not configured"))
			return nil
		}

		client := remote.NewClient(cfg.ServerURL, cfg.Token, nil)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := client.Ping(pingCtx); err != nil {
			fmt.Printf("  Server:   %s %s\n", renderError("offline"), renderDim(cfg.ServerURL))
		} else {
			fmt.Printf("  Server:   %s %s\n", renderSuccess("online"), renderDim(cfg.ServerURL))
		}
		return nil
	},
}
