package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/source"
	"github.com/karstenwade/flatsync/internal/store"
	"github.com/karstenwade/flatsync/internal/ui"
)

var fieldsCmd = &cobra.Command{
	Use:     "fields",
	GroupID: "store",
	Short:   "List tracker fields",
	Long: `Fetch the tracker's field metadata and print it.

With --provision the field list is also written to the store's fields
table (additive; the wide table is untouched). Use
'provision --destructive' to rebuild the wide table from it.`,
	Run: func(cmd *cobra.Command, args []string) {
		provision, _ := cmd.Flags().GetBool("provision")

		cfg := loadConfig()
		ctx := cmd.Context()

		client, err := source.New(source.Config{
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

		fields, err := client.ListFields(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching field list: %v\n", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE")
		for _, f := range fields {
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID, f.Name, f.Type)
		}
		w.Flush()
		fmt.Printf("\n%d fields\n", len(fields))

		if provision {
			st := openStore(ctx, cfg)
			defer st.Close()

			if err := st.Provision(ctx, store.Additive, fields); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s Fields table updated\n", ui.RenderPass("✓"))
		}
	},
}

func init() {
	fieldsCmd.Flags().Bool("provision", false, "write the field list to the store's fields table")

	rootCmd.AddCommand(fieldsCmd)
}
