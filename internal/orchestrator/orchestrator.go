package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/ksuid"

	"episode-cache/internal/cache"
	"episode-cache/internal/domain"
	"episode-cache/internal/downloader"
	"episode-cache/internal/metadata"
	"episode-cache/internal/metrics"
	"episode-cache/internal/progress"
	"episode-cache/internal/resolver"
)

// ErrClosed is returned by StartDownload after Shutdown.
var ErrClosed = errors.New("orchestrator is shut down")

// StartRequest describes the episode to download.
type StartRequest struct {
	EpisodeID     string `json:"episodeId"`
	AnimeID       string `json:"animeId"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	VideoURL      string `json:"videoUrl"`
}

// StorageUsage summarizes what downloads occupy.
type StorageUsage struct {
	// Recorded sums the last known size of every download record
	Recorded  int64 `json:"recorded"`
	Cached    int64 `json:"cached"`
	Quota     int64 `json:"quota"`
	Downloads int   `json:"downloads"`
}

type Options struct {
	Store    *metadata.Store
	Cache    *cache.Store
	Fetcher  *downloader.Fetcher
	Bus      *progress.Bus
	Resolver resolver.Resolver
	Metrics  *metrics.Collectors

	// Concurrency bounds how many segments of one episode are fetched at once
	Concurrency int
}

// Orchestrator drives each episode download through its lifecycle:
// pending, downloading, then completed, failed or cancelled.
// At most one transfer runs per episode; different episodes download independently.
type Orchestrator struct {
	store       *metadata.Store
	cache       *cache.Store
	fetcher     *downloader.Fetcher
	bus         *progress.Bus
	resolver    resolver.Resolver
	metrics     *metrics.Collectors
	concurrency int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
	// Records the metadata store refused, kept so status reads still see them
	unsaved map[string]*domain.DownloadMetadata
}

func New(opts Options) *Orchestrator {
	bus := opts.Bus
	if bus == nil {
		bus = progress.NewBus()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       opts.Store,
		cache:       opts.Cache,
		fetcher:     opts.Fetcher,
		bus:         bus,
		resolver:    opts.Resolver,
		metrics:     opts.Metrics,
		concurrency: concurrency,
		ctx:         ctx,
		cancel:      cancel,
		jobs:        make(map[string]*job),
		unsaved:     make(map[string]*domain.DownloadMetadata),
	}
}

// StartDownload creates a pending record and starts fetching the episode in
// the background. If an attempt is already pending or downloading, its
// current record is returned with domain.ErrDownloadActive and nothing new starts.
//
// A record the metadata store refuses is reported as failed rather than as an error.
func (o *Orchestrator) StartDownload(ctx context.Context, req StartRequest) (*domain.DownloadMetadata, error) {
	if err := domain.ValidateEpisodeID(req.EpisodeID); err != nil {
		return nil, err
	}
	if req.VideoURL == "" {
		return nil, fmt.Errorf("%w: video url is required", domain.ErrInvalidRequest)
	}

	for {
		if o.ctx.Err() != nil {
			return nil, ErrClosed
		}

		o.mu.Lock()
		j, ok := o.jobs[req.EpisodeID]
		if !ok {
			break
		}
		if o.running(j) {
			o.mu.Unlock()
			return j.snapshot(), domain.ErrDownloadActive
		}
		o.mu.Unlock()

		// A stopped attempt may still be finishing its in-flight segments
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// o.mu is held from here until the new job is registered
	existing, err := o.store.Get(ctx, req.EpisodeID)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	if existing != nil && existing.Status.IsActive() {
		log.Warn().Str("episode", req.EpisodeID).Str("attempt", existing.AttemptID).Msg("Replacing interrupted download attempt")
	}

	j := newJob(&domain.DownloadMetadata{
		EpisodeID:     req.EpisodeID,
		AttemptID:     ksuid.New().String(),
		AnimeID:       req.AnimeID,
		EpisodeNumber: req.EpisodeNumber,
		Title:         req.Title,
		VideoURL:      req.VideoURL,
		Status:        domain.StatusPending,
		CreatedAt:     time.Now().UTC(),
	})
	o.jobs[req.EpisodeID] = j
	delete(o.unsaved, req.EpisodeID)
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.Transition(string(domain.StatusPending))
	log.Info().Str("episode", req.EpisodeID).Str("attempt", j.meta.AttemptID).Str("url", req.VideoURL).Msg("Download queued")

	if !o.save(j) {
		o.release(j)
		close(j.done)
		o.wg.Done()
		return j.snapshot(), nil
	}

	snap := j.snapshot()
	go o.run(j)
	return snap, nil
}

// DownloadEpisode resolves the episode's stream and starts downloading it.
// A resolution failure returns an error wrapping domain.ErrResolutionFailed
// and creates no record.
func (o *Orchestrator) DownloadEpisode(ctx context.Context, req StartRequest) (*domain.DownloadMetadata, error) {
	if err := domain.ValidateEpisodeID(req.EpisodeID); err != nil {
		return nil, err
	}
	if o.resolver == nil {
		return nil, fmt.Errorf("%w: no resolver configured", domain.ErrResolutionFailed)
	}

	o.mu.Lock()
	if j, ok := o.jobs[req.EpisodeID]; ok && o.running(j) {
		o.mu.Unlock()
		return j.snapshot(), domain.ErrDownloadActive
	}
	o.mu.Unlock()

	src, err := o.resolver.Resolve(ctx, req.EpisodeID)
	if err != nil {
		if !errors.Is(err, domain.ErrResolutionFailed) {
			err = fmt.Errorf("%w: %v", domain.ErrResolutionFailed, err)
		}
		log.Warn().Err(err).Str("episode", req.EpisodeID).Msg("Could not resolve episode source")
		return nil, err
	}

	req.VideoURL = src.VideoURL
	return o.StartDownload(ctx, req)
}

// CancelDownload stops the episode's transfer before its next segment and
// marks it cancelled. Segments already cached stay in place. No progress
// event is published for the attempt once CancelDownload returns.
//
// Must not be called from a progress listener of the same episode.
func (o *Orchestrator) CancelDownload(ctx context.Context, episodeID string) (*domain.DownloadMetadata, error) {
	if err := domain.ValidateEpisodeID(episodeID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	j := o.jobs[episodeID]
	o.mu.Unlock()

	if j != nil {
		o.stop(j)
		return j.snapshot(), nil
	}

	meta, err := o.GetDownloadStatus(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, domain.ErrNotFound
	}
	if meta.Status.IsTerminal() {
		return meta, nil
	}

	// Active record without a running transfer, left behind by a previous process
	meta.Status = domain.StatusCancelled
	if err := o.store.Put(ctx, meta); err != nil {
		return nil, err
	}
	o.metrics.Transition(string(domain.StatusCancelled))
	return meta, nil
}

// GetDownloadStatus returns the episode's record, or nil when there is none.
func (o *Orchestrator) GetDownloadStatus(ctx context.Context, episodeID string) (*domain.DownloadMetadata, error) {
	if err := domain.ValidateEpisodeID(episodeID); err != nil {
		return nil, err
	}

	o.mu.Lock()
	j := o.jobs[episodeID]
	unsaved := o.unsaved[episodeID].Clone()
	o.mu.Unlock()

	if j != nil {
		return j.snapshot(), nil
	}
	if unsaved != nil {
		return unsaved, nil
	}
	return o.store.Get(ctx, episodeID)
}

// OnProgress subscribes listener to the episode's progress events.
// Listeners run on the download goroutine and should return quickly.
func (o *Orchestrator) OnProgress(episodeID string, listener progress.Listener) (unsubscribe func()) {
	return o.bus.Subscribe(episodeID, listener)
}

// Wait blocks until the episode's running transfer, if any, has finished,
// then returns its record.
func (o *Orchestrator) Wait(ctx context.Context, episodeID string) (*domain.DownloadMetadata, error) {
	o.mu.Lock()
	j := o.jobs[episodeID]
	o.mu.Unlock()

	if j != nil {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.GetDownloadStatus(ctx, episodeID)
}

// DeleteDownload cancels any running transfer, then removes the record and
// clears the episode's cache bucket. Both deletions are attempted; the
// returned error joins whichever failed.
func (o *Orchestrator) DeleteDownload(ctx context.Context, episodeID string) error {
	if err := domain.ValidateEpisodeID(episodeID); err != nil {
		return err
	}

	o.mu.Lock()
	j := o.jobs[episodeID]
	delete(o.unsaved, episodeID)
	o.mu.Unlock()

	if j != nil {
		o.stop(j)
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metaErr := o.store.Delete(ctx, episodeID)
	freed, cacheErr := o.cache.ClearBucket(episodeID)
	if cacheErr != nil {
		cacheErr = fmt.Errorf("failed to clear cache for %s: %w", episodeID, cacheErr)
	}

	if err := errors.Join(metaErr, cacheErr); err != nil {
		log.Error().Err(err).Str("episode", episodeID).Msg("Download only partially deleted")
		return err
	}
	log.Info().Str("episode", episodeID).Str("freed", humanize.Bytes(uint64(freed))).Msg("Download deleted")
	return nil
}

// ClearAllDownloads stops every transfer, then removes every record and every episode bucket.
func (o *Orchestrator) ClearAllDownloads(ctx context.Context) error {
	o.mu.Lock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.unsaved = make(map[string]*domain.DownloadMetadata)
	o.mu.Unlock()

	for _, j := range jobs {
		o.stop(j)
	}
	for _, j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metaErr := o.store.Clear(ctx)
	freed, cacheErr := o.cache.ClearAll()
	if err := errors.Join(metaErr, cacheErr); err != nil {
		return err
	}
	log.Info().Str("freed", humanize.Bytes(uint64(freed))).Msg("All downloads cleared")
	return nil
}

// ListDownloads returns every known download, newest first. Running
// attempts report their live progress.
func (o *Orchestrator) ListDownloads(ctx context.Context) ([]*domain.DownloadMetadata, error) {
	stored, err := o.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	live := make(map[string]*domain.DownloadMetadata, len(o.jobs)+len(o.unsaved))
	for id, meta := range o.unsaved {
		live[id] = meta.Clone()
	}
	for id, j := range o.jobs {
		live[id] = j.snapshot()
	}
	o.mu.Unlock()

	items := make([]*domain.DownloadMetadata, 0, len(stored)+len(live))
	for _, meta := range stored {
		if l, ok := live[meta.EpisodeID]; ok {
			meta = l
			delete(live, meta.EpisodeID)
		}
		items = append(items, meta)
	}
	for _, meta := range live {
		items = append(items, meta)
	}

	sort.SliceStable(items, func(i, k int) bool {
		return items[i].CreatedAt.After(items[k].CreatedAt)
	})
	return items, nil
}

// TotalStorageUsed sums the last known size of every download record.
func (o *Orchestrator) TotalStorageUsed(ctx context.Context) (int64, error) {
	return o.store.TotalStorageUsed(ctx)
}

func (o *Orchestrator) StorageUsage(ctx context.Context) (*StorageUsage, error) {
	items, err := o.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	usage := &StorageUsage{
		Cached:    o.cache.Usage(),
		Quota:     o.cache.MaxBytes(),
		Downloads: len(items),
	}
	for _, meta := range items {
		usage.Recorded += meta.Size
	}
	return usage, nil
}

// Shutdown stops accepting downloads, interrupts running transfers and waits
// for them to record their final status.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// running reports whether j still expects to make progress.
func (o *Orchestrator) running(j *job) bool {
	return !j.cancelled.Load() && !j.terminal()
}

// stop marks j cancelled and waits out any progress delivery in flight.
func (o *Orchestrator) stop(j *job) {
	j.cancelled.Store(true)
	// Barrier: a delivery that already started finishes before we return
	j.pubMu.Lock()
	j.pubMu.Unlock()

	if j.finish(domain.StatusCancelled, "", 0) {
		o.metrics.Transition(string(domain.StatusCancelled))
		log.Info().Str("episode", j.episodeID()).Msg("Download cancelled")
		o.save(j)
	}
}

func (o *Orchestrator) release(j *job) {
	o.mu.Lock()
	if o.jobs[j.episodeID()] == j {
		delete(o.jobs, j.episodeID())
	}
	o.mu.Unlock()
}

// save writes j's latest state to the metadata store. When the store refuses
// it, the attempt is failed in memory and save returns false.
func (o *Orchestrator) save(j *job) bool {
	j.persistMu.Lock()
	defer j.persistMu.Unlock()

	id := j.episodeID()
	err := o.store.Put(context.WithoutCancel(o.ctx), j.snapshot())
	if err == nil {
		o.mu.Lock()
		delete(o.unsaved, id)
		o.mu.Unlock()
		return true
	}

	msg := failureMessage(err)
	log.Error().Err(err).Str("episode", id).Msg("Failed to save download metadata")

	meta := j.failUnsaved(msg)
	o.mu.Lock()
	o.unsaved[id] = meta
	o.mu.Unlock()
	return false
}

func failureMessage(err error) string {
	if errors.Is(err, domain.ErrQuotaExceeded) {
		return domain.QuotaMessage
	}
	return err.Error()
}
