package main

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/coldpoint/permafrost/pkg/types"
)

// Bundle commands
var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage bundles",
}

var bundleLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List bundle uuids",
	RunE:  runBundleLs,
}

var bundleStatusCmd = &cobra.Command{
	Use:   "status UUID",
	Short: "Show one bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runBundleStatus,
}

var bundleUpdateStatusCmd = &cobra.Command{
	Use:   "update-status UUID STATUS",
	Short: "Set a bundle's status",
	Long: `Set a bundle's status. The claim is released unless --keep-claim is
given; moving a quarantined bundle back to its original status is the
usual unquarantine path.`,
	Args: cobra.ExactArgs(2),
	RunE: runBundleUpdateStatus,
}

var bundlePriorityResetCmd = &cobra.Command{
	Use:   "priority-reset UUID",
	Short: "Send a bundle to the back of its queue",
	Long: `Reset a bundle's work priority to now, sending it to the back of its
status queue. Used to let other bundles through ahead of a repeatedly
failing one.`,
	Args: cobra.ExactArgs(1),
	RunE: runBundlePriorityReset,
}

func init() {
	bundleCmd.AddCommand(bundleLsCmd)
	bundleCmd.AddCommand(bundleStatusCmd)
	bundleCmd.AddCommand(bundleUpdateStatusCmd)
	bundleCmd.AddCommand(bundlePriorityResetCmd)

	bundleLsCmd.Flags().String("status", "", "Filter by status")
	bundleLsCmd.Flags().String("request", "", "Filter by transfer request uuid")
	bundleLsCmd.Flags().String("location", "", "Filter by site (matches source or dest)")
	bundleLsCmd.Flags().Bool("json", false, "Print raw JSON")

	bundleStatusCmd.Flags().Bool("contents", false, "Also list constituent file catalog uuids")

	bundleUpdateStatusCmd.Flags().Bool("keep-claim", false, "Leave the claim fields untouched")
}

func runBundleLs(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if v, _ := cmd.Flags().GetString("status"); v != "" {
		q.Set("status", v)
	}
	if v, _ := cmd.Flags().GetString("request"); v != "" {
		q.Set("request", v)
	}
	if v, _ := cmd.Flags().GetString("location"); v != "" {
		q.Set("location", v)
	}

	c, err := adminClient()
	if err != nil {
		return err
	}
	uuids, err := c.ListBundleUUIDs(cmd.Context(), q)
	if err != nil {
		return fmt.Errorf("failed to list bundles: %v", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(uuids)
	}
	for _, id := range uuids {
		fmt.Println(id)
	}
	return nil
}

func runBundleStatus(cmd *cobra.Command, args []string) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	b, err := c.GetBundle(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get bundle: %v", err)
	}
	if err := printJSON(b); err != nil {
		return err
	}

	if contents, _ := cmd.Flags().GetBool("contents"); contents {
		const page = 1000
		total := 0
		fmt.Println("Constituent files:")
		for skip := 0; ; skip += page {
			records, err := c.ListMetadata(cmd.Context(), b.UUID, page, skip)
			if err != nil {
				return fmt.Errorf("failed to list metadata: %v", err)
			}
			for _, rec := range records {
				fmt.Printf("  %s\n", rec.FileCatalogUUID)
			}
			total += len(records)
			if len(records) < page {
				break
			}
		}
		fmt.Printf("%d file(s)\n", total)
	}
	return nil
}

func runBundleUpdateStatus(cmd *cobra.Command, args []string) error {
	uuid, status := args[0], args[1]
	keepClaim, _ := cmd.Flags().GetBool("keep-claim")

	patch := map[string]any{
		"status":           status,
		"update_timestamp": types.Now(),
	}
	if !keepClaim {
		patch["claimed"] = false
	}

	c, err := adminClient()
	if err != nil {
		return err
	}
	if _, err := c.PatchBundle(cmd.Context(), uuid, patch); err != nil {
		return fmt.Errorf("failed to update bundle: %v", err)
	}
	fmt.Printf("✓ Bundle %s status set to %s\n", uuid, status)
	return nil
}

func runBundlePriorityReset(cmd *cobra.Command, args []string) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	now := types.Now()
	patch := map[string]any{
		"work_priority_timestamp": now,
		"update_timestamp":        now,
	}
	if _, err := c.PatchBundle(cmd.Context(), args[0], patch); err != nil {
		return fmt.Errorf("failed to reset priority: %v", err)
	}
	fmt.Printf("✓ Bundle %s work priority reset to %s\n", args[0], now)
	return nil
}
