package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"episode-cache/internal/cache"
	"episode-cache/internal/config"
	"episode-cache/internal/database"
	"episode-cache/internal/downloader"
	"episode-cache/internal/metadata"
	"episode-cache/internal/metrics"
	"episode-cache/internal/orchestrator"
	"episode-cache/internal/progress"
	"episode-cache/internal/resolver"
)

// Context holds the shared resources of the service. The orchestrator is
// built once here and handed to every caller.
type Context struct {
	Config *config.Config

	Metrics      *metrics.Manager
	Cache        *cache.Store
	Interceptor  *cache.Interceptor
	Metadata     *metadata.Store
	Bus          *progress.Bus
	Fetcher      *downloader.Fetcher
	Orchestrator *orchestrator.Orchestrator

	stopInterceptor context.CancelFunc
}

// NewContext opens the stores and starts the segment interceptor.
func NewContext(ctx context.Context, cfg *config.Config) (*Context, error) {
	m := metrics.NewManager()

	store, err := cache.NewStore(cfg.Cache.Dir, cfg.Cache.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment cache: %w", err)
	}

	backend, err := openBackend(ctx, cfg.Metadata)
	if err != nil {
		return nil, err
	}
	meta := metadata.NewStore(backend)

	interceptor := cache.NewInterceptor(store, cache.InterceptorOptions{
		ProxyPath: cfg.ProxyPath,
		Metrics:   m.Collectors(),
	})
	runCtx, stop := context.WithCancel(context.Background())
	go interceptor.Run(runCtx)

	fetcher := downloader.NewFetcher(&http.Client{
		Transport: interceptor,
		Timeout:   2 * time.Minute,
	}, cfg.ProxyEndpoint())

	var res resolver.Resolver
	if cfg.Resolver.BaseURL != "" {
		res = resolver.NewHTTPResolver(cfg.Resolver.BaseURL)
	}

	bus := progress.NewBus()
	orch := orchestrator.New(orchestrator.Options{
		Store:       meta,
		Cache:       store,
		Fetcher:     fetcher,
		Bus:         bus,
		Resolver:    res,
		Metrics:     m.Collectors(),
		Concurrency: cfg.Download.Concurrency,
	})

	log.Info().
		Str("cache", cfg.Cache.Dir).
		Str("metadata", cfg.Metadata.Backend).
		Int("concurrency", cfg.Download.Concurrency).
		Msg("Service context initialized")

	return &Context{
		Config:          cfg,
		Metrics:         m,
		Cache:           store,
		Interceptor:     interceptor,
		Metadata:        meta,
		Bus:             bus,
		Fetcher:         fetcher,
		Orchestrator:    orch,
		stopInterceptor: stop,
	}, nil
}

func openBackend(ctx context.Context, mc config.MetadataConfig) (metadata.Backend, error) {
	switch mc.Backend {
	case config.BackendRedis:
		b, err := metadata.NewRedisBackend(ctx, mc.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return b, nil
	default:
		db, err := database.Open(mc.SQLitePath, mc.MaxBytes)
		if err != nil {
			return nil, err
		}
		b, err := metadata.NewSQLiteBackend(db)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize metadata table: %w", err)
		}
		return b, nil
	}
}

// Close waits for running downloads to record their final status, then
// stops the interceptor and closes the metadata store.
func (c *Context) Close(ctx context.Context) error {
	var errs []error
	if err := c.Orchestrator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("orchestrator shutdown: %w", err))
	}
	c.stopInterceptor()
	if err := c.Metadata.Close(); err != nil {
		errs = append(errs, fmt.Errorf("metadata close: %w", err))
	}
	return errors.Join(errs...)
}
