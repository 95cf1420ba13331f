package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coldpoint/permafrost/pkg/types"
)

// Request commands
var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Manage transfer requests",
}

var requestNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Submit one or more transfer requests",
	Long: `Submit transfer requests to the coordinator.

Examples:
  # Archive one warehouse path
  permafrost-admin request new --source WIPAC --dest NERSC --path /data/exp/IceCube/2013/filtered/level2/0403

  # Submit a batch from a YAML file (a list of {source, dest, path})
  permafrost-admin request new --file requests.yaml`,
	RunE: runRequestNew,
}

var requestLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List transfer requests",
	RunE:  runRequestLs,
}

var requestStatusCmd = &cobra.Command{
	Use:   "status UUID",
	Short: "Show one transfer request",
	Args:  cobra.ExactArgs(1),
	RunE:  runRequestStatus,
}

var requestUpdateStatusCmd = &cobra.Command{
	Use:   "update-status UUID STATUS",
	Short: "Set a transfer request's status",
	Long: `Set a transfer request's status. The claim is released unless
--keep-claim is given; moving a quarantined request back to its working
status is the usual unquarantine path.`,
	Args: cobra.ExactArgs(2),
	RunE: runRequestUpdateStatus,
}

func init() {
	requestCmd.AddCommand(requestNewCmd)
	requestCmd.AddCommand(requestLsCmd)
	requestCmd.AddCommand(requestStatusCmd)
	requestCmd.AddCommand(requestUpdateStatusCmd)

	requestNewCmd.Flags().String("source", "", "Source site")
	requestNewCmd.Flags().String("dest", "", "Destination site")
	requestNewCmd.Flags().String("path", "", "Warehouse path to archive")
	requestNewCmd.Flags().StringP("file", "f", "", "YAML file with a list of requests")

	requestLsCmd.Flags().Bool("json", false, "Print raw JSON")

	requestUpdateStatusCmd.Flags().Bool("keep-claim", false, "Leave the claim fields untouched")
}

// requestSpec is one entry of a batch submission file.
type requestSpec struct {
	Source string `yaml:"source"`
	Dest   string `yaml:"dest"`
	Path   string `yaml:"path"`
}

func runRequestNew(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	source, _ := cmd.Flags().GetString("source")
	dest, _ := cmd.Flags().GetString("dest")
	path, _ := cmd.Flags().GetString("path")

	var specs []requestSpec
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return fmt.Errorf("failed to read file: %v", err)
		}
		if err := yaml.Unmarshal(data, &specs); err != nil {
			return fmt.Errorf("failed to parse YAML: %v", err)
		}
		if len(specs) == 0 {
			return fmt.Errorf("%s contains no requests", filename)
		}
	} else {
		if source == "" || dest == "" || path == "" {
			return fmt.Errorf("--source, --dest and --path are required (or use --file)")
		}
		specs = append(specs, requestSpec{Source: source, Dest: dest, Path: path})
	}

	c, err := adminClient()
	if err != nil {
		return err
	}

	for i, spec := range specs {
		if spec.Source == "" || spec.Dest == "" || spec.Path == "" {
			return fmt.Errorf("request %d: source, dest and path are all required", i+1)
		}
		uuid, err := c.CreateTransferRequest(cmd.Context(), spec.Source, spec.Dest, spec.Path)
		if err != nil {
			return fmt.Errorf("failed to create request: %v", err)
		}
		fmt.Printf("✓ Request created: %s (%s -> %s, %s)\n", uuid, spec.Source, spec.Dest, spec.Path)
	}
	return nil
}

func runRequestLs(cmd *cobra.Command, args []string) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	requests, err := c.ListTransferRequests(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list requests: %v", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(requests)
	}
	fmt.Printf("%-36s  %-11s  %-8s  %-8s  %-19s  %s\n",
		"UUID", "STATUS", "SOURCE", "DEST", "CREATED", "PATH")
	for _, tr := range requests {
		fmt.Printf("%-36s  %-11s  %-8s  %-8s  %-19s  %s\n",
			tr.UUID, tr.Status, tr.Source, tr.Dest, tr.CreateTimestamp, tr.Path)
	}
	return nil
}

func runRequestStatus(cmd *cobra.Command, args []string) error {
	c, err := adminClient()
	if err != nil {
		return err
	}
	tr, err := c.GetTransferRequest(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get request: %v", err)
	}
	return printJSON(tr)
}

func runRequestUpdateStatus(cmd *cobra.Command, args []string) error {
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
	if err := c.PatchTransferRequest(cmd.Context(), uuid, patch); err != nil {
		return fmt.Errorf("failed to update request: %v", err)
	}
	fmt.Printf("✓ Request %s status set to %s\n", uuid, status)
	return nil
}
