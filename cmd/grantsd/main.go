package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func newRootCommand() *cobra.Command {
	opts := &settings{}
	root := &cobra.Command{
		Use:           "grantsd",
		Short:         "Benefit grant lifecycle daemon",
		Long:          `Applies benefit grants and revocations for subscriptions and orders, drains the grant task outbox and sweeps stuck work on a schedule`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd.Flags())
		},
	}
	opts.bindFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCommand(opts),
		newDispatchCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "grantsd %s\n", Version)
			if BuildTime != "unknown" {
				fmt.Fprintf(out, "Built: %s\n", BuildTime)
			}
			if GitCommit != "unknown" {
				fmt.Fprintf(out, "Commit: %s\n", GitCommit)
			}
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
