package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/daemon"
	"github.com/karstenwade/flatsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "store",
	Short:   "Show store contents and recent runs",
	Long: `Display the store's cell and record counts and the tail of the
run journal.`,
	Run: func(cmd *cobra.Command, args []string) {
		runs, _ := cmd.Flags().GetInt("runs")

		cfg := loadConfig()
		ctx := cmd.Context()
		st := openStore(ctx, cfg)
		defer st.Close()

		cells, err := st.CountCells(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		records, err := st.CountRecords(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Store Status\n\n", ui.RenderAccent("flatsync"))
		fmt.Printf("Backend: %s\n", st.Dialect())
		if cfg.Store.Backend == "sqlite" || cfg.Store.Backend == "" {
			fmt.Printf("Path: %s\n", cfg.Store.Path)
		}
		fmt.Printf("Records: %d\n", records)
		fmt.Printf("Cells: %d\n", cells)

		if wm, err := st.GetMeta(ctx, "daemon_watermark"); err == nil && wm != "" {
			fmt.Printf("Daemon watermark: %s\n", wm)
		}

		entries, err := daemon.NewJournal(cfg.Daemon.JournalPath).Last(runs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot read run journal: %v\n", err)
			return
		}
		if len(entries) == 0 {
			fmt.Printf("\nNo recorded runs\n")
			return
		}

		fmt.Printf("\nLast %d runs:\n", len(entries))
		for _, e := range entries {
			mark := ui.RenderPass("✓")
			if e.Error != "" || e.FailedCells > 0 {
				mark = ui.RenderFail("✗")
			}
			fmt.Printf("  %s %s %-6s records=%d inserted=%d updated=%d skipped=%d",
				mark, e.StartedAt.Local().Format(time.DateTime), e.Trigger,
				e.Records, e.Inserted, e.Updated, e.Skipped)
			if e.FailedCells > 0 {
				fmt.Printf(" failed_cells=%d", e.FailedCells)
			}
			if e.Error != "" {
				fmt.Printf(" error=%q", e.Error)
			}
			fmt.Println()
		}
	},
}

func init() {
	statusCmd.Flags().Int("runs", 5, "number of journal entries to show")

	rootCmd.AddCommand(statusCmd)
}
