package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/karstenwade/flatsync/internal/store"
)

// version is stamped by the release build via
// -ldflags "-X main.version=v1.2.3"; dev builds fall back to VCS info.
var version = ""

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		v := version
		if v == "" {
			v = "dev"
			if info, ok := debug.ReadBuildInfo(); ok {
				for _, s := range info.Settings {
					if s.Key == "vcs.revision" && len(s.Value) >= 12 {
						v = "dev-" + s.Value[:12]
						break
					}
				}
			}
		}
		fmt.Printf("flatsync %s (schema %s)\n", v, store.SchemaVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
