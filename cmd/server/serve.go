package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"episode-cache/internal/app"
	"episode-cache/internal/proxy"
)

func RunServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy, downloads API and metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withContext(cmd, func(ctx context.Context, appCtx *app.Context) error {
				if report, err := appCtx.Orchestrator.Reconcile(ctx); err != nil {
					log.Warn().Err(err).Msg("Startup reconciliation failed")
				} else {
					log.Info().
						Int("removed_buckets", len(report.RemovedBuckets)).
						Int("interrupted", len(report.Interrupted)).
						Int("missing", len(report.Missing)).
						Msg("Startup reconciliation complete")
				}

				log.Info().
					Str("used", humanize.IBytes(uint64(appCtx.Cache.Usage()))).
					Str("quota", humanize.IBytes(uint64(appCtx.Cache.MaxBytes()))).
					Msg("Segment cache opened")

				return serve(ctx, appCtx, nil)
			})
		},
	}
}

// serve runs the HTTP server until ctx is done. The port is bound before
// serve returns ready, so downloads started afterwards can reach the proxy.
func serve(ctx context.Context, appCtx *app.Context, ready chan<- struct{}) error {
	srv := proxy.NewServer(proxy.Deps{
		Config:       appCtx.Config,
		Orchestrator: appCtx.Orchestrator,
		Cache:        appCtx.Cache,
		Interceptor:  appCtx.Interceptor,
		Metrics:      appCtx.Metrics,
	})

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", appCtx.Config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", appCtx.Config.Port, err)
	}
	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
