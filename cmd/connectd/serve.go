package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lecca-io/connectd/internal/config"
	httpapp "github.com/lecca-io/connectd/internal/http"
	"github.com/lecca-io/connectd/internal/metrics"
	"github.com/lecca-io/connectd/internal/refresh"
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the HTTP API and the background refresh sweeper.",
	Args:        cobra.NoArgs,
	Annotations: structuredLog(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(parent context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := httpapp.NewEchoServer(a.service, httpapp.Options{
		InternalAPIToken: cfg.InternalAPIToken,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, cfg.HTTPAddr)
	})

	if cfg.MetricsEnabled() {
		_, metricsErr := metrics.StartServer(gctx, cfg.MetricsAddr, logger)
		g.Go(func() error {
			select {
			case err, ok := <-metricsErr:
				if ok {
					return err
				}
			case <-gctx.Done():
			}
			return nil
		})
	}

	if cfg.SweepInterval > 0 {
		sweeper := &refresh.Sweeper{
			Store:     a.store,
			Refresher: a.resolver,
			Locks:     a.locks,
			Margin:    cfg.RefreshMargin,
			Workers:   cfg.SweepWorkers,
			Logger:    logger,
		}
		scheduler := refresh.Scheduler{Runner: sweeper, Interval: cfg.SweepInterval, Logger: logger}
		g.Go(func() error {
			scheduler.Run(gctx)
			return nil
		})
	} else {
		logger.Info("refresh sweeper disabled; set SWEEP_INTERVAL to enable")
	}

	return g.Wait()
}
