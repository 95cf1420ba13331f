package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coldpoint/permafrost/pkg/config"
	"github.com/coldpoint/permafrost/pkg/log"
	"github.com/coldpoint/permafrost/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Human output on stdout; client retry warnings go to stderr.
	log.Init(log.Config{Level: log.WarnLevel, Output: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "permafrost-admin",
	Short: "Operator tooling for the archival pipeline",
	Long: `permafrost-admin drives the archival coordinator from the command line:
submit transfer requests, inspect and repair bundles, and monitor
component heartbeats.

Environment:
  LTA_REST_URL          coordinator base URL (required)
  LTA_AUTH_OPENID_URL   OpenID issuer; empty talks to an open coordinator
  CLIENT_ID             token client id (default long-term-archive)
  CLIENT_SECRET         token client secret`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"permafrost-admin version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Add subcommands
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(statusCmd)
}

// adminClient builds a coordinator client from the environment. Admin
// tokens come from the same client-credentials flow the workers use.
func adminClient() (*worker.Client, error) {
	values, err := config.Load(config.Spec{
		Required: []string{"LTA_REST_URL"},
		Defaults: map[string]string{
			"LTA_AUTH_OPENID_URL": "",
			"CLIENT_ID":           "long-term-archive",
			"CLIENT_SECRET":       "",
		},
	})
	if err != nil {
		return nil, err
	}
	return worker.NewClient(worker.ClientConfig{
		URL:          values["LTA_REST_URL"],
		OpenIDURL:    values["LTA_AUTH_OPENID_URL"],
		ClientID:     values["CLIENT_ID"],
		ClientSecret: values["CLIENT_SECRET"],
		Timeout:      30 * time.Second,
		Retries:      2,
	})
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
