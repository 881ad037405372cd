// Package run implements "catalogctl run": creating, inspecting, listing,
// and canceling workflow runs against a catalogd instance's HTTP API.
package run

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apphub/catalog/internal/cli/shared"
	"github.com/apphub/catalog/pkg/catalog"
)

// NewCommand builds the "run" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create, inspect, and cancel workflow runs",
	}
	cmd.AddCommand(newCreateCommand(), newGetCommand(), newListCommand(), newCancelCommand())
	return cmd
}

func newCreateCommand() *cobra.Command {
	var (
		slug, runKey, partitionKey, paramsJSON string
	)
	cmd := &cobra.Command{
		Use:   "create <definitionSlug>",
		Short: "Create and start a run of the given workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug = args[0]
			var params json.RawMessage
			if paramsJSON != "" {
				params = json.RawMessage(paramsJSON)
			}
			req := map[string]any{
				"definitionSlug": slug,
				"parameters":     params,
				"runKey":         runKey,
				"partitionKey":   partitionKey,
			}
			var created catalog.WorkflowRun
			if err := shared.Request("POST", "/v1/runs", nil, req, &created); err != nil {
				return err
			}
			return printRun(cmd, &created)
		},
	}
	cmd.Flags().StringVar(&runKey, "run-key", "", "idempotency key for this run")
	cmd.Flags().StringVar(&partitionKey, "partition-key", "", "partition key for this run")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "JSON-encoded run parameters")
	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <runId>",
		Short: "Fetch a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var fetched catalog.WorkflowRun
			if err := shared.Request("GET", "/v1/runs/"+args[0], nil, nil, &fetched); err != nil {
				return err
			}
			return printRun(cmd, &fetched)
		},
	}
}

func newListCommand() *cobra.Command {
	var definitionID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, optionally filtered by definition or status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var runs []*catalog.WorkflowRun
			query := map[string]string{"definitionId": definitionID, "status": status}
			if err := shared.Request("GET", "/v1/runs", query, nil, &runs); err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), runs)
			}
			for _, r := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", r.ID, r.Status, r.TriggeredBy)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&definitionID, "definition-id", "", "filter by workflow definition ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	return cmd
}

func newCancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <runId>",
		Short: "Cancel a run, failing any in-flight steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"reason": reason}
			if err := shared.Request("DELETE", "/v1/runs/"+args[0], nil, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s canceled\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "canceled via catalogctl", "cancellation reason recorded on the run")
	return cmd
}

func printRun(cmd *cobra.Command, r *catalog.WorkflowRun) error {
	if shared.GetJSON() {
		return shared.PrintJSON(cmd.OutOrStdout(), r)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "id:           %s\n", r.ID)
	fmt.Fprintf(cmd.OutOrStdout(), "status:       %s\n", r.Status)
	fmt.Fprintf(cmd.OutOrStdout(), "triggeredBy:  %s\n", r.TriggeredBy)
	if r.CurrentStepID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "currentStep:  %s\n", r.CurrentStepID)
	}
	if r.ErrorMessage != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "error:        %s\n", r.ErrorMessage)
	}
	return nil
}
