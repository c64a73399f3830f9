package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appLog "slotcal/internal/log"
	"slotcal/internal/schedule"
	"slotcal/internal/web"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (API, upstream proxy and web UI)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(root)
			if err != nil {
				return err
			}
			// CLI --listen overrides config file listen if provided.
			if listen != "" {
				a.cfg.Listen = listen
			}
			appLog.Info("slotcal starting", "version", version, "listen", a.cfg.Listen)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The first fetch runs in the background; until it completes the
			// API reports the loading state.
			go func() {
				if _, err := a.svc.Refresh(ctx); err != nil {
					appLog.Error("initial refresh failed", err)
				}
			}()

			if _, err := schedule.StartRefresher(ctx, a.svc, a.cfg.Refresh, a.cfg.Upstream.Timeout()); err != nil {
				return err
			}

			srv := web.NewServer(a.cfg, web.Deps{
				Schedule: a.svc,
				Proxy:    a.client,
				Metrics:  a.metrics,
			})
			err = srv.Run(ctx)
			appLog.Info("slotcal exiting")
			return err
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides config if set)")
	return cmd
}
