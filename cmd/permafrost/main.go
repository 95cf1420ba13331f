package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "permafrost",
	Short: "Permafrost - Archival job coordinator and stage workers",
	Long: `Permafrost moves experiment data to long-term tape archives and back.

One binary serves both roles: 'serve' runs the coordinator (the REST
service that owns the TransferRequest and Bundle queues), and 'work'
runs any of the stage workers that claim jobs from it.

All runtime configuration comes from environment variables.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Permafrost version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workCmd)
}
