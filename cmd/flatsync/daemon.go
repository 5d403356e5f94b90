package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/config"
	"github.com/karstenwade/flatsync/internal/daemon"
	"github.com/karstenwade/flatsync/internal/logging"
	"github.com/karstenwade/flatsync/internal/reconcile"
	"github.com/karstenwade/flatsync/internal/source"
	"github.com/karstenwade/flatsync/internal/store"
	"github.com/karstenwade/flatsync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run continuous sync (foreground)",
	Long: `Run flatsync as a foreground daemon.

The daemon:
  1. Syncs immediately on startup
  2. Polls the tracker on an interval, fetching only records updated
     since the last successful poll (the watermark, kept in the store)
  3. Optionally watches a drop directory for *.jsonl record dumps and
     reconciles them as they appear
  4. Journals every run for 'flatsync status'

Logs rotate per the [log] config section when a log file is set.`,
	Run: func(cmd *cobra.Command, args []string) {
		interval, _ := cmd.Flags().GetDuration("interval")
		watchDir, _ := cmd.Flags().GetString("watch")

		cfg := loadConfig()
		if interval > 0 {
			cfg.Daemon.Interval.Duration = interval
		}
		if watchDir != "" {
			cfg.Daemon.WatchDir = watchDir
		}

		logger := logging.New("[daemon] ", logging.Options{
			File:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Echo:       cfg.Log.File != "",
		})

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st := openStore(ctx, cfg)
		defer st.Close()

		if err := st.Provision(ctx, store.Additive, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		d, err := daemon.New(engineFactory(st, cfg, logger), st, &daemon.Config{
			PollInterval: cfg.Daemon.Interval.Duration,
			WatchDir:     cfg.Daemon.WatchDir,
			Journal:      daemon.NewJournal(cfg.Daemon.JournalPath),
			Logger:       logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Starting sync daemon\n", ui.RenderAccent("flatsync"))
		fmt.Printf("   Poll interval: %v\n", cfg.Daemon.Interval.Duration)
		if cfg.Daemon.WatchDir != "" {
			fmt.Printf("   Watching: %s\n", cfg.Daemon.WatchDir)
		}
		fmt.Printf("   Journal: %s\n", cfg.Daemon.JournalPath)
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

// engineFactory builds one reconcile engine per poll, narrowing the
// tracker query to the given watermark.
func engineFactory(st store.Store, cfg *config.Config, logger *log.Logger) daemon.EngineFactory {
	return func(since time.Time) (reconcile.Reconciler, error) {
		srcCfg := source.Config{
			BaseURL:    cfg.Tracker.BaseURL,
			Email:      cfg.Tracker.Email,
			Token:      cfg.Tracker.Token,
			Query:      cfg.Tracker.Query,
			Projects:   cfg.Tracker.Projects,
			MaxRetries: cfg.Tracker.MaxRetries,
			Logger:     logger,
		}
		if !since.IsZero() {
			srcCfg.Since = since.Format("2006-01-02 15:04")
		}

		client, err := source.New(srcCfg)
		if err != nil {
			return nil, err
		}

		policy, err := reconcile.ParseFailurePolicy(cfg.Sync.OnFailure)
		if err != nil {
			return nil, err
		}

		return reconcile.New(st, client, reconcile.Options{
			Prefix:    cfg.Sync.Prefix,
			PageSize:  cfg.Sync.PageSize,
			BatchSize: cfg.Sync.BatchSize,
			OnFailure: policy,
			Logger:    logger,
		}), nil
	}
}

func init() {
	daemonCmd.Flags().Duration("interval", 0, "poll interval, e.g. 5m")
	daemonCmd.Flags().String("watch", "", "drop directory to watch for *.jsonl record dumps")

	rootCmd.AddCommand(daemonCmd)
}
