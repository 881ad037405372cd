// Package cli builds catalogctl's Cobra command tree, following the
// teacher's internal/cli.NewRootCommand + internal/commands/<name> shape:
// a root command registering global persistent flags via the shared
// package, with one subcommand package per resource.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/apphub/catalog/internal/cli/shared"
	"github.com/apphub/catalog/internal/commands/asset"
	"github.com/apphub/catalog/internal/commands/bundle"
	"github.com/apphub/catalog/internal/commands/definition"
	"github.com/apphub/catalog/internal/commands/run"
	"github.com/apphub/catalog/internal/commands/version"
)

// NewRootCommand builds catalogctl's root Cobra command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "catalogctl",
		Short:         "Operate a catalogd workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	addr, jsonOut, verbose := shared.RegisterFlagPointers()
	root.PersistentFlags().StringVar(addr, "addr", "", "catalogd base URL (default http://localhost:8080, env CATALOG_ADDR)")
	root.PersistentFlags().BoolVar(jsonOut, "json", false, "print raw JSON responses")
	root.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		run.NewCommand(),
		definition.NewCommand(),
		bundle.NewCommand(),
		asset.NewCommand(),
		version.NewCommand(),
	)
	return root
}
