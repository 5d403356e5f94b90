// Command flatsync mirrors issue-tracker records into a relational
// store as flattened (record_key, leaf_path) cells.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/config"
	"github.com/karstenwade/flatsync/internal/store"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "flatsync",
	Short: "Flatten-and-reconcile sync from an issue tracker to SQL",
	Long: `flatsync synchronizes hierarchical issue-tracker records into a
relational store. Each record's nested field tree is flattened into
(record_key, leaf_path) cells; repeated runs reconcile only genuine
changes, so syncing is incremental and idempotent.

Configuration lives in flatsync.toml (see 'flatsync setup'); credentials
come from the environment (FLATSYNC_TRACKER_TOKEN, FLATSYNC_STORE_DSN)
or a local .env file.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default flatsync.toml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "store", Title: "Store Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

// loadConfig loads the effective configuration or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens the configured backend and applies the type-map
// override. Callers own Close.
func openStore(ctx context.Context, cfg *config.Config) store.Store {
	var st store.Store
	var err error

	switch cfg.Store.Backend {
	case "sqlite", "":
		if dir := filepath.Dir(cfg.Store.Path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, mkErr)
				os.Exit(1)
			}
		}
		st, err = store.OpenSQLite(cfg.Store.Path)
	case "postgres":
		st, err = store.OpenPostgres(ctx, cfg.Store.DSN)
	case "libsql":
		st, err = store.OpenLibsql(cfg.Store.DSN)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown store backend %q\n", cfg.Store.Backend)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}

	types, err := store.LoadTypeMapOverrides(st.Dialect(), cfg.Store.TypeMap)
	if err != nil {
		_ = st.Close()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	st.SetTypeMap(types)

	return st
}
