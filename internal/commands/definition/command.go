// Package definition implements "catalogctl definition register", posting
// a workflow definition YAML file to a catalogd instance.
package definition

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/apphub/catalog/internal/cli/shared"
	"github.com/apphub/catalog/pkg/catalog"
)

// NewCommand builds the "definition" command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definition",
		Short: "Register and inspect workflow definitions",
	}
	cmd.AddCommand(newRegisterCommand(), newGetCommand())
	return cmd
}

func newRegisterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "register <file.yaml>",
		Short: "Register a workflow definition from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return &shared.ExitError{Code: shared.ExitUsageError, Message: "reading definition file", Cause: err}
			}
			var def catalog.WorkflowDefinition
			if err := yaml.Unmarshal(data, &def); err != nil {
				return &shared.ExitError{Code: shared.ExitUsageError, Message: "parsing definition YAML", Cause: err}
			}

			var registered catalog.WorkflowDefinition
			if err := shared.Request("POST", "/v1/definitions", nil, &def, &registered); err != nil {
				return err
			}
			if shared.GetJSON() {
				return shared.PrintJSON(cmd.OutOrStdout(), &registered)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (id %s)\n", registered.Slug, registered.ID)
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <slug>",
		Short: "Fetch the latest version of a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var def catalog.WorkflowDefinition
			if err := shared.Request("GET", "/v1/definitions/"+args[0], nil, nil, &def); err != nil {
				return err
			}
			return shared.PrintJSON(cmd.OutOrStdout(), &def)
		},
	}
}
