package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"episode-cache/internal/app"
	"episode-cache/internal/domain"
	"episode-cache/internal/orchestrator"
)

// RunDownloadCommand downloads one episode in the foreground. The proxy is
// served in-process because segment requests are routed through it.
func RunDownloadCommand() *cobra.Command {
	var req orchestrator.StartRequest

	cmd := &cobra.Command{
		Use:   "download <episode-id>",
		Short: "Download an episode for offline playback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.EpisodeID = args[0]

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			return withContext(cmd, func(ctx context.Context, appCtx *app.Context) error {
				serveCtx, stopServe := context.WithCancel(ctx)
				ready := make(chan struct{})
				serveErr := make(chan error, 1)
				go func() {
					serveErr <- serve(serveCtx, appCtx, ready)
				}()
				select {
				case <-ready:
				case err := <-serveErr:
					stopServe()
					return err
				}
				defer func() {
					stopServe()
					if err := <-serveErr; err != nil {
						log.Error().Err(err).Msg("Proxy server stopped")
					}
				}()

				unsubscribe := appCtx.Orchestrator.OnProgress(req.EpisodeID, func(ev domain.ProgressEvent) {
					log.Info().
						Str("episode", ev.EpisodeID).
						Int("progress", ev.Progress).
						Msgf("%d/%d segments", ev.SegmentsDone, ev.SegmentsTotal)
				})
				defer unsubscribe()

				var (
					meta *domain.DownloadMetadata
					err  error
				)
				if req.VideoURL == "" {
					meta, err = appCtx.Orchestrator.DownloadEpisode(ctx, req)
				} else {
					meta, err = appCtx.Orchestrator.StartDownload(ctx, req)
				}
				if err != nil && !errors.Is(err, domain.ErrDownloadActive) {
					return err
				}

				if !meta.Status.IsTerminal() {
					meta, err = appCtx.Orchestrator.Wait(ctx, req.EpisodeID)
					if err != nil {
						// Interrupted: leave the record cancelled rather than orphaned
						meta, _ = appCtx.Orchestrator.CancelDownload(context.Background(), req.EpisodeID)
					}
				}

				out := cmd.OutOrStdout()
				if meta == nil {
					return fmt.Errorf("download of episode %s did not finish", req.EpisodeID)
				}
				fmt.Fprintf(out, "Episode %s: %s (%s)\n", meta.EpisodeID, meta.Status, humanize.IBytes(uint64(meta.Size)))
				if meta.Status != domain.StatusCompleted {
					return fmt.Errorf("download %s: %s", meta.Status, meta.Error)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.VideoURL, "video-url", "", "master or media playlist URL (resolved when empty)")
	cmd.Flags().StringVar(&req.Title, "title", "", "episode title")
	cmd.Flags().StringVar(&req.AnimeID, "anime-id", "", "series identifier")
	cmd.Flags().IntVar(&req.EpisodeNumber, "number", 0, "episode number")

	return cmd
}

func RunListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List downloads and storage usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, appCtx *app.Context) error {
				items, err := appCtx.Orchestrator.ListDownloads(ctx)
				if err != nil {
					return err
				}
				usage, err := appCtx.Orchestrator.StorageUsage(ctx)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No downloads")
				} else {
					w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(w, "EPISODE\tTITLE\tSTATUS\tPROGRESS\tSIZE\tCREATED")
					for _, m := range items {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
							m.EpisodeID, m.Title, m.Status, m.Progress,
							humanize.IBytes(uint64(m.Size)), humanize.Time(m.CreatedAt))
					}
					w.Flush()
				}

				fmt.Fprintf(out, "Cached: %s of %s\n", humanize.IBytes(uint64(usage.Cached)), quotaLabel(usage.Quota))
				return nil
			})
		},
	}
}

func quotaLabel(quota int64) string {
	if quota <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(quota))
}

func RunDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <episode-id>",
		Short: "Delete a download and its cached segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, appCtx *app.Context) error {
				if err := appCtx.Orchestrator.DeleteDownload(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Episode %s deleted\n", args[0])
				return nil
			})
		},
	}
}

func RunClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every download and cached segment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, appCtx *app.Context) error {
				before := appCtx.Cache.Usage()
				if err := appCtx.Orchestrator.ClearAllDownloads(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "All downloads cleared, %s freed\n", humanize.IBytes(uint64(before-appCtx.Cache.Usage())))
				return nil
			})
		},
	}
}

func RunReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair download records and cache buckets that disagree",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContext(cmd, func(ctx context.Context, appCtx *app.Context) error {
				report, err := appCtx.Orchestrator.Reconcile(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Removed buckets: %d\n", len(report.RemovedBuckets))
				fmt.Fprintf(out, "Interrupted downloads: %d\n", len(report.Interrupted))
				fmt.Fprintf(out, "Missing downloads: %d\n", len(report.Missing))
				return nil
			})
		},
	}
}

