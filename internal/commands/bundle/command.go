// Package bundle implements "catalogctl bundle", publishing and inspecting
// job bundle artifacts against a catalogd instance's HTTP API.
package bundle

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/apphub/catalog/internal/cli/shared"
	"github.com/apphub/catalog/pkg/catalog"
)

// NewCommand builds the "bundle" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Publish and inspect job bundle versions",
	}
	cmd.AddCommand(newPublishCommand(), newGetCommand(), newLatestCommand(), newDeprecateCommand(), newDownloadTokenCommand())
	return cmd
}

func newPublishCommand() *cobra.Command {
	var (
		manifestFile, artifactFile, contentType, capabilityFlags, publishedBy, storage string
		immutable, force                                                              bool
	)
	cmd := &cobra.Command{
		Use:   "publish <slug> <version>",
		Short: "Publish a job bundle's manifest and packaged artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, ver := args[0], args[1]

			manifest, err := os.ReadFile(manifestFile)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitUsageError, Message: "reading manifest file", Cause: err}
			}
			artifact, err := os.ReadFile(artifactFile)
			if err != nil {
				return &shared.ExitError{Code: shared.ExitUsageError, Message: "reading artifact file", Cause: err}
			}

			fields := map[string]string{
				"manifest":        string(manifest),
				"contentType":     contentType,
				"capabilityFlags": capabilityFlags,
				"publishedBy":     publishedBy,
				"publishedByKind": "user",
				"immutable":       strconv.FormatBool(immutable),
				"storage":         storage,
			}
			files := []shared.MultipartField{{FieldName: "artifact", FileName: artifactFile, Content: artifact}}

			query := map[string]string{}
			if force {
				query["force"] = "true"
			}

			var published catalog.JobBundleVersion
			path := fmt.Sprintf("/v1/bundles/%s/%s", slug, ver)
			if err := shared.RequestMultipart("POST", path, query, fields, files, &published); err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), &published)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s@%s (checksum %s)\n", published.Slug, published.Version, published.Checksum)
			return nil
		},
	}
	cmd.Flags().StringVar(&manifestFile, "manifest", "", "path to the job manifest JSON file")
	cmd.Flags().StringVar(&artifactFile, "artifact", "", "path to the packaged bundle artifact")
	cmd.Flags().StringVar(&contentType, "content-type", "application/zip", "MIME type of the artifact")
	cmd.Flags().StringVar(&capabilityFlags, "capability-flags", "", "comma-separated capability flags the bundle requires")
	cmd.Flags().StringVar(&publishedBy, "published-by", "catalogctl", "identity recorded as the publisher")
	cmd.Flags().BoolVar(&immutable, "immutable", false, "reject future republishes of this slug/version")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing non-immutable version")
	cmd.Flags().StringVar(&storage, "storage", "", "artifact storage backend to publish to: local (default) or s3")
	cmd.MarkFlagRequired("manifest")
	cmd.MarkFlagRequired("artifact")
	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <slug> <version>",
		Short: "Fetch a specific job bundle version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v catalog.JobBundleVersion
			path := fmt.Sprintf("/v1/bundles/%s/%s", args[0], args[1])
			if err := shared.Request("GET", path, nil, nil, &v); err != nil {
				return err
			}
			return shared.PrintJSON(cmd.OutOrStdout(), &v)
		},
	}
}

func newLatestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "latest <slug>",
		Short: "Fetch the latest published version of a job bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v catalog.JobBundleVersion
			path := fmt.Sprintf("/v1/bundles/%s/latest", args[0])
			if err := shared.Request("GET", path, nil, nil, &v); err != nil {
				return err
			}
			return shared.PrintJSON(cmd.OutOrStdout(), &v)
		},
	}
}

func newDeprecateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deprecate <slug> <version>",
		Short: "Mark a job bundle version deprecated",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/bundles/%s/%s/deprecate", args[0], args[1])
			if err := shared.Request("POST", path, nil, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deprecated %s@%s\n", args[0], args[1])
			return nil
		},
	}
}

func newDownloadTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "download-token <slug> <version>",
		Short: "Mint a signed, time-limited download token for a bundle artifact",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			path := fmt.Sprintf("/v1/bundles/%s/%s/download-token", args[0], args[1])
			if err := shared.Request("POST", path, nil, nil, &result); err != nil {
				return err
			}
			return shared.PrintJSON(cmd.OutOrStdout(), result)
		},
	}
}
