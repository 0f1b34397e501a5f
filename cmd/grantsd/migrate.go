package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the grant schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logs := newLogBridge(s)
			client, err := openClient(ctx, s, logs)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Migrate(ctx); err != nil {
				return fmt.Errorf("grantsd: migrate: %w", err)
			}
			logs.Component("migrate").Info("migrations applied", "driver", s.DBDriver)
			return nil
		},
	}
}
