package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/olivere/taskmanager/ui/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the task manager with the dashboard until interrupted or unloaded",
	RunE:  doServe,
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx := contextAttrs(cmd.Context(), slog.Group("requestd",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))
	svc, err := newService(ctx, config, logger)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "task manager started", "store", config.Store.Type)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if config.UI.Addr != "" {
		srv := server.New(svc.m,
			server.SetLogger(logger),
			server.SetInterval(config.UI.Interval),
			server.SetRateLimit(rate.Limit(config.UI.RateLimit), config.UI.Burst),
			server.SetPublicDir(config.UI.Public),
		)
		g.Go(func() error {
			return srv.Serve(ctx, config.UI.Addr)
		})
	}
	g.Go(func() error {
		select {
		case <-svc.unloaded:
			logger.InfoContext(ctx, "service unloaded")
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	err = g.Wait()
	if cerr := svc.close(config); err == nil {
		err = cerr
	}
	logger.InfoContext(ctx, "exiting")
	return err
}
