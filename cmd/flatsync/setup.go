package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/config"
	"github.com/karstenwade/flatsync/internal/ui"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive configuration wizard",
	Long: `Walk through the flatsync configuration and write flatsync.toml.

Credentials are never written to the file; the wizard tells you which
environment variables to set instead (or put them in a local .env).`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Default()

		path := cfgFile
		if path == "" {
			path = config.DefaultFileName
		}
		if _, err := os.Stat(path); err == nil {
			var overwrite bool
			confirm := huh.NewConfirm().
				Title(fmt.Sprintf("%s exists. Overwrite?", path)).
				Value(&overwrite)
			if err := confirm.Run(); err != nil || !overwrite {
				fmt.Println("Setup cancelled")
				return
			}
		}

		var projects string

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Tracker URL").
					Description("Root of the tracker REST API, e.g. https://tracker.example.com").
					Value(&cfg.Tracker.BaseURL).
					Validate(func(s string) error {
						if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
							return fmt.Errorf("must start with http:// or https://")
						}
						return nil
					}),
				huh.NewInput().
					Title("Account email").
					Description("Pairs with the API token for basic auth; leave empty for bearer auth").
					Value(&cfg.Tracker.Email),
				huh.NewInput().
					Title("Project keys").
					Description("Comma-separated allow list, e.g. MSS,OPS (empty = all)").
					Value(&projects),
			),
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Storage backend").
					Options(
						huh.NewOption("SQLite (embedded, default)", "sqlite"),
						huh.NewOption("PostgreSQL", "postgres"),
						huh.NewOption("libSQL / Turso", "libsql"),
					).
					Value(&cfg.Store.Backend),
				huh.NewInput().
					Title("SQLite database path").
					Value(&cfg.Store.Path),
			),
		)

		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		for _, p := range strings.Split(projects, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Tracker.Projects = append(cfg.Tracker.Projects, p)
			}
		}

		if err := cfg.Save(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Wrote %s\n\n", ui.RenderPass("✓"), path)
		fmt.Println("Set credentials in the environment (or a local .env):")
		fmt.Println("  FLATSYNC_TRACKER_TOKEN=<api token>")
		if cfg.Store.Backend != "sqlite" {
			fmt.Println("  FLATSYNC_STORE_DSN=<connection string>")
		}
		fmt.Println("\nThen run 'flatsync sync' for a first sync.")
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
