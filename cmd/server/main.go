package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"episode-cache/internal/app"
	"episode-cache/internal/config"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "server",
		Short: "Offline episode downloads backed by an HLS segment cache",
		Long: `Proxies HLS playlists and segments, caches them per episode and
drives background downloads so episodes can be played without network access.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to the YAML config file")

	rootCmd.AddCommand(
		RunServeCommand(),
		RunDownloadCommand(),
		RunListCommand(),
		RunDeleteCommand(),
		RunClearCommand(),
		RunReconcileCommand(),
	)
	return rootCmd
}

// loadConfig reads the --config flag and configures logging.
func loadConfig(cmd *cobra.Command) (*config.Config, io.Closer, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	closer, err := config.SetupLogging(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return cfg, closer, nil
}

// withContext runs fn against a fully built service context and tears it down afterwards.
func withContext(cmd *cobra.Command, fn func(ctx context.Context, appCtx *app.Context) error) error {
	cfg, closer, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	appCtx, err := app.NewContext(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := appCtx.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("Shutdown incomplete")
		}
	}()

	return fn(ctx, appCtx)
}
