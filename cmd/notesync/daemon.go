package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/northstarlabs/notesync/internal/cleanup"
	"github.com/northstarlabs/notesync/internal/config"
	"github.com/northstarlabs/notesync/internal/engine"
	"github.com/northstarlabs/notesync/internal/netwatch"
	"github.com/northstarlabs/notesync/internal/queue"
	"github.com/northstarlabs/notesync/internal/realtime"
	"github.com/northstarlabs/notesync/internal/remote"
	"github.com/northstarlabs/notesync/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine, realtime reconciler and retention sweeper",
	Long: `Run the full offline sync stack in the foreground until interrupted:

  1. Probes connectivity and triggers a sync on every offline->online
     transition
  2. Subscribes to the remote change-event streams for notes and groups
  3. Runs a push/pull cycle on the configured interval
  4. Sweeps expired tombstones and dead queue items once a day

Logs go to stderr, or to a rotating file when log_file is configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w (run 'notesync init')", err)
		}

		var logOut io.Writer = os.Stderr
		if cfg.LogFile != "" {
			logOut = &lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			}
		}
		newLogger := func(prefix string) *log.Logger {
			return log.New(logOut, prefix, log.LstdFlags)
		}

		db, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := db.InitSchema(ctx); err != nil {
			return err
		}

		q := queue.New(db.RawDB())
		client := remote.NewClient(cfg.ServerURL, cfg.Token, newLogger("[remote] "))

		engCfg := engine.DefaultConfig()
		engCfg.Interval = cfg.SyncInterval
		engCfg.Logger = newLogger("[engine] ")
		eng := engine.New(db, db, q, client, cfg.UserID, engCfg)

		monitor := netwatch.New(client, cfg.ProbeInterval, newLogger("[netwatch] "))
		transitions := monitor.Subscribe()

		reconciler := realtime.New(db, realtime.Feed(client), eng, newLogger("[realtime] "))

		sweepCfg := cleanup.DefaultConfig()
		sweepCfg.Interval = cfg.CleanupInterval
		sweepCfg.TombstoneRetention = daysToDuration(cfg.TombstoneRetentionDays)
		sweepCfg.QueueRetention = daysToDuration(cfg.QueueRetentionDays)
		sweepCfg.Logger = newLogger("[cleanup] ")
		sweeper := cleanup.New(db, q, client, cfg.UserID, sweepCfg)

		logger := newLogger("[daemon] ")
		logger.Printf("Starting notesync daemon (server=%s user=%s db=%s)",
			cfg.ServerURL, cfg.UserID, cfg.DBPath)

		// Connectivity transitions gate the engine and trigger a catch-up
		// sync whenever the device comes back online.
		go func() {
			for state := range transitions {
				online := state == netwatch.Online
				eng.SetOnline(online)
				if online {
					go func() {
						if err := eng.Sync(ctx); err != nil {
							logger.Printf("Reconnect sync failed: %v", err)
						}
					}()
				}
			}
		}()

		monitor.Start(ctx)

		if err := reconciler.Start(ctx, cfg.UserID); err != nil {
			monitor.Stop()
			return err
		}
		sweeper.Start(ctx)

		// Surface config edits; intervals apply on the next restart.
		if watcher, err := config.NewWatcher(configFile()); err == nil {
			if err := watcher.Start(); err == nil {
				defer watcher.Stop()
				go func() {
					for range watcher.Events() {
						logger.Printf("Configuration changed on disk; restart to apply")
					}
				}()
			}
		}

		fmt.Printf("%s notesync daemon running (Ctrl-C to stop)\n", renderAccent("▶"))
		<-ctx.Done()

		logger.Printf("Shutting down")
		if err := reconciler.Stop(); err != nil {
			logger.Printf("Warning: reconciler stop: %v", err)
		}
		sweeper.Stop()
		monitor.Stop()

		fmt.Printf("%s notesync daemon stopped\n", renderDim("■"))
		return nil
	},
}

func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}

func daysToDuration(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
