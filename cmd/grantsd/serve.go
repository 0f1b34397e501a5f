package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	polar "github.com/esinanturan/polar"
	"github.com/esinanturan/polar/adapters/gocommand"
	grantscommand "github.com/esinanturan/polar/command"
	"github.com/esinanturan/polar/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the outbox poller, the sweep schedule and the metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, s)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.serve(ctx)
		},
	}
}

func (rt *runtime) serve(ctx context.Context) error {
	logger := rt.logs.Component("serve")
	cfg := rt.engine.Config()

	rt.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return pollOutbox(ctx, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize, logger)
	})

	if cfg.Sweep.Enabled {
		sweeper, err := polar.NewSweeper(rt.engine)
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		group.Go(func() error {
			<-ctx.Done()
			sweeper.Stop()
			return nil
		})
	}

	server := &http.Server{
		Addr:              rt.settings.MetricsAddr,
		Handler:           metricsHandler(rt.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Go(func() error {
		logger.Info("metrics endpoint listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("grantsd serving",
		"poll_interval", cfg.Outbox.PollInterval.String(),
		"sweep_enabled", cfg.Sweep.Enabled,
		"sweep_schedule", cfg.Sweep.Schedule,
	)
	err := group.Wait()
	logger.Info("grantsd stopped")
	return err
}

func metricsHandler(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// pollOutbox dispatches pending tasks through the command bus on every tick.
// Dispatch errors are logged; the next tick picks the work up again.
func pollOutbox(ctx context.Context, interval time.Duration, batchSize int, logger core.Logger) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := dispatchPending(ctx, batchSize)
			if err != nil && ctx.Err() == nil {
				logger.Error("outbox dispatch failed", "error", err)
			}
			if stats.Claimed > 0 {
				logger.Debug("outbox dispatched",
					"claimed", stats.Claimed,
					"succeeded", stats.Succeeded,
					"retried", stats.Retried,
					"failed", stats.Failed,
				)
			}
		}
	}
}

func dispatchPending(ctx context.Context, batchSize int) (core.DispatchStats, error) {
	return gocommand.DispatchResult[grantscommand.DispatchPendingMessage, core.DispatchStats](
		ctx, grantscommand.DispatchPendingMessage{BatchSize: batchSize},
	)
}
