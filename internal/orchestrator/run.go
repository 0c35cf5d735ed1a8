package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/dustin/go-humanize"
	"github.com/grafov/m3u8"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"episode-cache/internal/domain"
	playlist "episode-cache/internal/m3u8"
)

var (
	errEmptyPlaylist = errors.New("playlist has no segments")
	errNothingCached = errors.New("no segments were cached")
)

// run drives one attempt to a terminal status and records it.
func (o *Orchestrator) run(j *job) {
	defer o.wg.Done()
	defer func() {
		o.release(j)
		close(j.done)
	}()

	o.metrics.DownloadStarted()
	defer o.metrics.DownloadFinished()

	id := j.episodeID()
	err := o.transfer(j)

	size, sizeErr := o.cache.BucketSize(id)
	if sizeErr != nil {
		log.Warn().Err(sizeErr).Str("episode", id).Msg("Failed to measure cached episode")
	}
	if err == nil && !j.cancelled.Load() {
		// A completed episode must be playable from the cache
		switch {
		case sizeErr != nil:
			err = fmt.Errorf("cached episode unreadable: %w", sizeErr)
		case size == 0:
			err = errNothingCached
		}
	}

	switch {
	case j.cancelled.Load():
		j.recordSize(size)
	case err == nil:
		if j.finish(domain.StatusCompleted, "", size) {
			o.metrics.Transition(string(domain.StatusCompleted))
			log.Info().Str("episode", id).Str("size", humanize.Bytes(uint64(size))).Msg("Download completed")
		}
	default:
		msg := failureMessage(err)
		if o.ctx.Err() != nil {
			msg = "interrupted: service shutting down"
		}
		if j.finish(domain.StatusFailed, msg, size) {
			o.metrics.Transition(string(domain.StatusFailed))
			log.Error().Err(err).Str("episode", id).Msg("Download failed")
		}
	}

	o.save(j)
}

// transfer fetches every segment of the attempt through the proxy. It returns
// nil when stopped early by cancellation.
func (o *Orchestrator) transfer(j *job) error {
	id := j.episodeID()
	videoURL := j.snapshot().VideoURL

	plan, err := o.plan(o.ctx, id, videoURL)
	if err != nil {
		return err
	}
	if len(plan.Segments) == 0 {
		return errEmptyPlaylist
	}
	j.setTotal(len(plan.Segments))

	log.Info().Str("episode", id).Int("segments", len(plan.Segments)).Int("keys", len(plan.Keys)).Msg("Fetching segments")

	// Segments are useless offline without their keys
	for _, key := range plan.Keys {
		if !o.running(j) {
			return nil
		}
		if _, err := o.fetcher.FetchKey(o.ctx, id, key); err != nil {
			return fmt.Errorf("failed to fetch key: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(o.ctx)
	g.SetLimit(o.concurrency)

	for _, segment := range plan.Segments {
		if !o.running(j) || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Cancellation takes effect between segments, never mid-segment
			if !o.running(j) {
				return nil
			}
			if _, err := o.fetcher.Fetch(gctx, id, segment); err != nil {
				return err
			}
			o.segmentDone(j)
			return nil
		})
	}
	return g.Wait()
}

// plan fetches the manifest, following a master playlist to its
// highest-bandwidth variant, and lists the media segments.
func (o *Orchestrator) plan(ctx context.Context, episodeID, videoURL string) (playlist.Plan, error) {
	target := videoURL
	p, typ, err := o.fetcher.FetchPlaylist(ctx, episodeID, target)
	if err != nil {
		return playlist.Plan{}, err
	}

	if typ == playlist.Master {
		base, err := url.Parse(target)
		if err != nil {
			return playlist.Plan{}, err
		}
		best, err := playlist.BestVariant(p.(*m3u8.MasterPlaylist))
		if err != nil {
			return playlist.Plan{}, err
		}
		target = o.fetcher.Unwrap(playlist.ResolveURL(base, best.URI))
		log.Debug().Str("episode", episodeID).Uint32("bandwidth", best.Bandwidth).Str("variant", target).Msg("Selected variant")

		p, typ, err = o.fetcher.FetchPlaylist(ctx, episodeID, target)
		if err != nil {
			return playlist.Plan{}, err
		}
	}

	media, ok := p.(*m3u8.MediaPlaylist)
	if typ != playlist.Variant || !ok {
		return playlist.Plan{}, fmt.Errorf("expected a media playlist at %s", target)
	}

	base, err := url.Parse(target)
	if err != nil {
		return playlist.Plan{}, err
	}
	plan := playlist.SegmentPlan(media, base)
	for i, s := range plan.Segments {
		plan.Segments[i] = o.fetcher.Unwrap(s)
	}
	for i, k := range plan.Keys {
		plan.Keys[i] = o.fetcher.Unwrap(k)
	}
	return plan, nil
}

// segmentDone counts a cached segment and publishes the new progress unless
// the attempt has been stopped.
func (o *Orchestrator) segmentDone(j *job) {
	j.pubMu.Lock()
	defer j.pubMu.Unlock()

	ev, started := j.segmentDone()
	if started && !j.cancelled.Load() {
		o.metrics.Transition(string(domain.StatusDownloading))
		log.Debug().Str("episode", ev.EpisodeID).Msg("Download started receiving segments")
		o.save(j)
	}

	if !o.running(j) {
		return
	}
	o.bus.Publish(ev.EpisodeID, ev)
}
