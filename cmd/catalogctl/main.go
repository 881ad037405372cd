// Command catalogctl is the operator CLI for a catalogd instance: workflow
// definition registration, run creation/inspection/cancellation, job bundle
// publishing, and asset invalidation, all driven over catalogd's HTTP API.
package main

import (
	"github.com/apphub/catalog/internal/cli"
	"github.com/apphub/catalog/internal/cli/shared"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	shared.SetVersion(version, commit, buildDate)

	root := cli.NewRootCommand()
	if err := root.Execute(); err != nil {
		shared.HandleExitError(err)
	}
}
