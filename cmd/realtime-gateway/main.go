package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "realtime-gateway",
		Short:        "Realtime fan-out gateway for conversations and websites",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
