package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/daemon"
	"github.com/karstenwade/flatsync/internal/dashboard"
	"github.com/karstenwade/flatsync/internal/logging"
	"github.com/karstenwade/flatsync/internal/store"
	"github.com/karstenwade/flatsync/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Run the sync daemon with a real-time WebSocket dashboard",
	Long: `Run the sync daemon together with a WebSocket dashboard server.

Connected clients receive a message per completed run plus running
totals; Prometheus metrics are served at /metrics.

WebSocket messages:
  run_complete: one sync run finished (counts, trigger, error)
  stats: accumulated totals since startup

Endpoints:
  ws://<addr>/ws       WebSocket stream
  http://<addr>/health liveness probe
  http://<addr>/metrics Prometheus metrics`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")

		cfg := loadConfig()
		if addr != "" {
			cfg.Dashboard.Addr = addr
		}

		logger := logging.New("[dashboard] ", logging.Options{
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

		server := dashboard.NewServer(&dashboard.Config{
			Addr:   cfg.Dashboard.Addr,
			Logger: logger,
		})
		handler := dashboard.NewHandler(server, logger)
		server.SetMetrics(handler.Metrics())

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		d, err := daemon.New(engineFactory(st, cfg, logger), st, &daemon.Config{
			PollInterval: cfg.Daemon.Interval.Duration,
			WatchDir:     cfg.Daemon.WatchDir,
			Journal:      daemon.NewJournal(cfg.Daemon.JournalPath),
			OnRun:        handler.OnRun,
			Logger:       logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Dashboard on http://%s\n", ui.RenderAccent("flatsync"), server.GetAddr())
		fmt.Printf("   WebSocket: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("   Metrics:   http://%s/metrics\n", server.GetAddr())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			_ = server.Stop()
			os.Exit(1)
		}

		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	dashboardCmd.Flags().StringP("addr", "a", "", "listen address, e.g. :8080")

	rootCmd.AddCommand(dashboardCmd)
}
