package main

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fern",
		Short:         "Background job processing for expense tracking",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		newServeCmd(modeAll),
		newServeCmd(modeAPI),
		newServeCmd(modeWorker),
		newMigrateCmd(),
		newDLQCmd(),
	)
	return root
}
