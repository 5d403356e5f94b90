package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/record"
	"github.com/karstenwade/flatsync/internal/reconcile"
	"github.com/karstenwade/flatsync/internal/source"
	"github.com/karstenwade/flatsync/internal/store"
	"github.com/karstenwade/flatsync/internal/ui"
)

var provisionCmd = &cobra.Command{
	Use:     "provision",
	GroupID: "store",
	Short:   "Create or rebuild the storage tables",
	Long: `Ensure the storage structures exist.

By default provisioning is additive: missing tables are created and
nothing is dropped, so it is safe to run before every sync (sync does it
implicitly).

With --destructive the wide table is dropped and recreated with one
column per tracker field, using the current field list fetched from the
tracker. Cell data is never touched by either policy.

With --fill the rebuilt wide table is loaded immediately: every record
matching the configured projects is fetched from the tracker and written
as one row, its top-level fields spread across the columns.`,
	Run: func(cmd *cobra.Command, args []string) {
		destructive, _ := cmd.Flags().GetBool("destructive")
		fill, _ := cmd.Flags().GetBool("fill")

		if fill && !destructive {
			fmt.Fprintln(os.Stderr, "Error: --fill loads a freshly rebuilt wide table; use it together with --destructive")
			os.Exit(1)
		}

		cfg := loadConfig()
		ctx := cmd.Context()
		st := openStore(ctx, cfg)
		defer st.Close()

		policy := store.Additive
		var client *source.Client
		var fields []record.Field

		if destructive {
			policy = store.Destructive

			var err error
			client, err = source.New(source.Config{
				BaseURL:    cfg.Tracker.BaseURL,
				Email:      cfg.Tracker.Email,
				Token:      cfg.Tracker.Token,
				Projects:   cfg.Tracker.Projects,
				MaxRetries: cfg.Tracker.MaxRetries,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			fields, err = client.ListFields(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error fetching field list: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Fetched %d fields from %s\n", len(fields), cfg.Tracker.BaseURL)
		}

		if err := st.Provision(ctx, policy, fields); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Storage provisioned (%s, %s backend)\n",
			ui.RenderPass("✓"), policy, st.Dialect())

		if fill {
			written, err := reconcile.FillWide(ctx, st, client, fields, reconcile.FillOptions{
				Projects: cfg.Tracker.Projects,
				PageSize: cfg.Sync.PageSize,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v (wrote %d rows before the failure)\n", err, written)
				os.Exit(1)
			}
			fmt.Printf("%s Wide table loaded (%d rows)\n", ui.RenderPass("✓"), written)
		}
	},
}

func init() {
	provisionCmd.Flags().Bool("destructive", false, "drop and rebuild the wide table from the tracker's field list")
	provisionCmd.Flags().Bool("fill", false, "load the rebuilt wide table with one row per record (with --destructive)")

	rootCmd.AddCommand(provisionCmd)
}
