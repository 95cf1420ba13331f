package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/coldpoint/permafrost/pkg/types"
)

// Status commands
var statusCmd = &cobra.Command{
	Use:   "status [COMPONENT_TYPE]",
	Short: "Show component heartbeats",
	Long: `Show the coordinator's health roll-up, or the heartbeat payloads of
one component type.

Examples:
  permafrost-admin status
  permafrost-admin status bundler`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var statusCullCmd = &cobra.Command{
	Use:   "cull",
	Short: "Delete stale heartbeat records",
	Long: `Delete heartbeat records older than --days. Workers that were renamed
or retired leave rows behind that keep the health roll-up WARN forever;
cull clears them.`,
	RunE: runStatusCull,
}

func init() {
	statusCmd.AddCommand(statusCullCmd)

	statusCullCmd.Flags().Int("days", 0, "Cull records older than this many days (required)")
	_ = statusCullCmd.MarkFlagRequired("days")
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := adminClient()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		detail, err := c.StatusComponent(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get status: %v", err)
		}
		return printJSON(detail)
	}

	all, err := c.StatusAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get status: %v", err)
	}

	fmt.Printf("Health: %v\n", all["health"])
	componentTypes := make([]string, 0, len(all))
	for key := range all {
		if key != "health" {
			componentTypes = append(componentTypes, key)
		}
	}
	sort.Strings(componentTypes)
	for _, componentType := range componentTypes {
		names, _ := all[componentType].([]any)
		parts := make([]string, 0, len(names))
		for _, n := range names {
			parts = append(parts, fmt.Sprintf("%v", n))
		}
		sort.Strings(parts)
		fmt.Printf("  %s: %s\n", componentType, strings.Join(parts, ", "))
	}
	return nil
}

func runStatusCull(cmd *cobra.Command, args []string) error {
	days, _ := cmd.Flags().GetInt("days")
	if days <= 0 {
		return fmt.Errorf("--days must be positive")
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	c, err := adminClient()
	if err != nil {
		return err
	}
	all, err := c.StatusAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get status: %v", err)
	}

	componentTypes := make([]string, 0, len(all))
	for key := range all {
		if key != "health" {
			componentTypes = append(componentTypes, key)
		}
	}
	sort.Strings(componentTypes)

	culled := 0
	for _, componentType := range componentTypes {
		detail, err := c.StatusComponent(cmd.Context(), componentType)
		if err != nil {
			return fmt.Errorf("failed to get %s status: %v", componentType, err)
		}
		names := make([]string, 0, len(detail))
		for name := range detail {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ts, _ := detail[name]["timestamp"].(string)
			heartbeat, err := types.ParseTimestamp(ts)
			// Unparseable rows are junk from retired components; cull
			// them along with the stale ones.
			if err == nil && !heartbeat.Before(cutoff) {
				continue
			}
			if err := c.DeleteStatus(cmd.Context(), componentType, name); err != nil {
				return fmt.Errorf("failed to cull %s/%s: %v", componentType, name, err)
			}
			fmt.Printf("✓ Culled %s/%s (last heartbeat %q)\n", componentType, name, ts)
			culled++
		}
	}
	fmt.Printf("Culled %d heartbeat record(s)\n", culled)
	return nil
}
