package main

import (
	"fmt"

	"github.com/esinanturan/polar/adapters/gocommand"
	grantscommand "github.com/esinanturan/polar/command"
	"github.com/esinanturan/polar/core"
	"github.com/spf13/cobra"
)

func newDispatchCommand(s *settings) *cobra.Command {
	var (
		batchSize int
		sweep     bool
	)
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Drain pending grant tasks once and print the outcome",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := newRuntime(ctx, s)
			if err != nil {
				return err
			}
			defer rt.Close()

			var stats core.DispatchStats
			if sweep {
				stats, err = gocommand.DispatchResult[grantscommand.SweepMessage, core.DispatchStats](ctx, grantscommand.SweepMessage{})
			} else {
				if batchSize <= 0 {
					batchSize = rt.engine.Config().Outbox.BatchSize
				}
				stats, err = dispatchPending(ctx, batchSize)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claimed=%d succeeded=%d skipped=%d retried=%d failed=%d\n",
				stats.Claimed, stats.Succeeded, stats.Skipped, stats.Retried, stats.Failed)
			return err
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "tasks to claim; defaults to outbox.batch_size")
	cmd.Flags().BoolVar(&sweep, "sweep", false, "release stale claims and drain until idle")
	return cmd
}
