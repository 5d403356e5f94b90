package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/config"
	"github.com/karstenwade/flatsync/internal/reconcile"
	"github.com/karstenwade/flatsync/internal/source"
	"github.com/karstenwade/flatsync/internal/store"
	"github.com/karstenwade/flatsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Reconcile tracker records into the store",
	Long: `Fetch records from the tracker and reconcile them into the store.

The run is incremental and idempotent:
  1. Ensures the storage tables exist (additive provisioning)
  2. Fetches matching records page by page
  3. Flattens each record's field tree into leaf cells
  4. Inserts new cells, updates changed ones, skips the rest

Records are committed in batches; a record that fails keeps the rest of
its batch intact via rollback-and-replay.`,
	Run: func(cmd *cobra.Command, args []string) {
		projects, _ := cmd.Flags().GetStringSlice("project")
		since, _ := cmd.Flags().GetString("since")
		batch, _ := cmd.Flags().GetInt("batch")
		onFailure, _ := cmd.Flags().GetString("on-failure")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg := loadConfig()
		if len(projects) > 0 {
			cfg.Tracker.Projects = projects
		}
		if batch > 0 {
			cfg.Sync.BatchSize = batch
		}
		if onFailure != "" {
			cfg.Sync.OnFailure = onFailure
		}

		policy, err := reconcile.ParseFailurePolicy(cfg.Sync.OnFailure)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx := cmd.Context()
		st := openStore(ctx, cfg)
		defer st.Close()

		if err := st.Provision(ctx, store.Additive, nil); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		client, err := source.New(source.Config{
			BaseURL:    cfg.Tracker.BaseURL,
			Email:      cfg.Tracker.Email,
			Token:      cfg.Tracker.Token,
			Query:      cfg.Tracker.Query,
			Projects:   cfg.Tracker.Projects,
			Since:      since,
			MaxRetries: cfg.Tracker.MaxRetries,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		summary := runSync(ctx, st, client, cfg, policy, dryRun)
		if summary.FailedCells > 0 || len(summary.FailedRecords) > 0 {
			os.Exit(2)
		}
	},
}

// runSync drives one reconcile run and prints the outcome. Exits with
// status 1 on a fatal fault; returns the summary otherwise.
func runSync(ctx context.Context, st reconcile.Storage, client *source.Client, cfg *config.Config, policy reconcile.FailurePolicy, dryRun bool) *reconcile.RunSummary {
	eng := reconcile.New(st, client, reconcile.Options{
		Prefix:    cfg.Sync.Prefix,
		PageSize:  cfg.Sync.PageSize,
		BatchSize: cfg.Sync.BatchSize,
		OnFailure: policy,
		DryRun:    dryRun,
		Logger:    log.New(os.Stderr, "[sync] ", log.LstdFlags),
		Progress: func(done, total int) {
			if done%cfg.Sync.PageSize == 0 || done == total {
				fmt.Printf("  %d/%d records\n", done, total)
			}
		},
	})

	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	fmt.Printf("Syncing%s, query: %s\n", mode, client.Query())

	start := time.Now()
	summary, err := eng.Run(ctx)
	if err != nil {
		printSummary(summary, time.Since(start))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printSummary(summary, time.Since(start))
	return summary
}

// printSummary renders a run summary, tolerating the partial summary
// that accompanies a failed run.
func printSummary(s *reconcile.RunSummary, elapsed time.Duration) {
	if s == nil {
		return
	}

	mark := ui.RenderPass("✓")
	if s.FailedCells > 0 || len(s.FailedRecords) > 0 {
		mark = ui.RenderWarn("⚠")
	}

	fmt.Printf("%s Sync finished in %v\n", mark, elapsed.Round(time.Millisecond))
	fmt.Printf("   Records:  %d (%d pages, %d committed)\n", s.Records, s.Pages, s.CommittedRecords)
	fmt.Printf("   Inserted: %d\n", s.Inserted)
	fmt.Printf("   Updated:  %d\n", s.Updated)
	fmt.Printf("   Skipped:  %d\n", s.Skipped)
	if s.Collisions > 0 {
		fmt.Printf("   Collisions: %d\n", s.Collisions)
	}
	if s.FailedCells > 0 {
		fmt.Printf("   %s Failed cells: %d\n", ui.RenderFail("✗"), s.FailedCells)
	}
	for _, key := range s.FailedRecords {
		fmt.Printf("   %s Failed record: %s\n", ui.RenderFail("✗"), key)
	}
}

func init() {
	syncCmd.Flags().StringSlice("project", nil, "project key to sync (repeatable)")
	syncCmd.Flags().String("since", "", "only records updated since, e.g. \"2 weeks ago\" or 2026-01-15")
	syncCmd.Flags().Int("batch", 0, "records per transaction boundary")
	syncCmd.Flags().String("on-failure", "", "record failure policy: continue or abort")
	syncCmd.Flags().Bool("dry-run", false, "count decisions without writing")

	rootCmd.AddCommand(syncCmd)
}
