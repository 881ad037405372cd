// Package asset implements "catalogctl asset", querying and invalidating
// materialized asset state against a catalogd instance's HTTP API.
package asset

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/apphub/catalog/internal/cli/shared"
	"github.com/apphub/catalog/pkg/catalog"
)

// NewCommand builds the "asset" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "asset",
		Short: "Inspect and invalidate materialized asset state",
	}
	cmd.AddCommand(newGetCommand(), newStaleCommand(), newMarkStaleCommand())
	return cmd
}

func newGetCommand() *cobra.Command {
	var partitionKey string
	cmd := &cobra.Command{
		Use:   "get <definitionId> <assetId>",
		Short: "Fetch the latest materialization of an asset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var m catalog.AssetMaterialization
			query := map[string]string{"partitionKey": partitionKey}
			path := fmt.Sprintf("/v1/assets/%s/%s", args[0], args[1])
			if err := shared.Request("GET", path, query, nil, &m); err != nil {
				return err
			}
			return shared.PrintJSON(cmd.OutOrStdout(), &m)
		},
	}
	cmd.Flags().StringVar(&partitionKey, "partition-key", "", "partition key to fetch, for partitioned assets")
	return cmd
}

func newStaleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stale <definitionId>",
		Short: "List assets currently marked stale for a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stale []*catalog.AssetStalePartition
			path := fmt.Sprintf("/v1/assets/%s/stale", args[0])
			if err := shared.Request("GET", path, nil, nil, &stale); err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), stale)
			}
			for _, p := range stale {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.AssetID, p.PartitionKey, p.RequestedBy)
			}
			return nil
		},
	}
}

func newMarkStaleCommand() *cobra.Command {
	var partitionKey, requestedBy, note string
	cmd := &cobra.Command{
		Use:   "mark-stale <definitionId> <assetId>",
		Short: "Mark an asset stale, forcing its next auto-materialize check to re-run it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"partitionKey": partitionKey,
				"requestedBy":  requestedBy,
				"note":         note,
			}
			path := fmt.Sprintf("/v1/assets/%s/%s/stale", args[0], args[1])
			if err := shared.Request("POST", path, nil, req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %s stale\n", args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&partitionKey, "partition-key", "", "partition key to mark stale")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "catalogctl", "identity recorded as having requested the invalidation")
	cmd.Flags().StringVar(&note, "note", "", "free-text note recorded with the invalidation")
	return cmd
}
