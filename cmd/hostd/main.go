// Command hostd runs the hostd engine and talks to it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &clientOptions{}
	root := &cobra.Command{
		Use:           "hostd",
		Short:         "Self-hosted deployments from git repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.api, "api", "", "API base URL (default from config, then http://localhost:4000)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token (default from config)")

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newHashPasswordCommand(),
		newLoginCommand(opts),
		newProjectsCommand(opts),
		newLogsCommand(opts),
		newConsoleCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), buildVersion)
			},
		},
	)
	return root
}
