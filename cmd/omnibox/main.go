package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "omnibox",
		Short:        "Multi-platform message consolidation and routing engine",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
