package orchestrator

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"episode-cache/internal/cache"
	"episode-cache/internal/domain"
)

const (
	interruptedMessage = "interrupted: download did not finish"
	missingMessage     = "cached segments missing"
)

// ReconcileReport lists what a reconciliation pass changed.
type ReconcileReport struct {
	RemovedBuckets []string `json:"removedBuckets"`
	Interrupted    []string `json:"interrupted"`
	Missing        []string `json:"missing"`
}

// Reconcile repairs drift between download records and cache buckets, which
// are not updated atomically. It removes episode buckets without a record,
// fails completed records whose bucket is empty and fails pending or
// downloading records that no running transfer owns. It is meant to run at
// startup, before new downloads are accepted.
func (o *Orchestrator) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	records, err := o.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	owned := make(map[string]bool, len(o.jobs))
	for id := range o.jobs {
		owned[id] = true
	}
	o.mu.Unlock()

	known := make(map[string]bool, len(records))
	var errs []error

	for _, meta := range records {
		known[meta.EpisodeID] = true
		if owned[meta.EpisodeID] {
			continue
		}

		switch {
		case meta.Status.IsActive():
			meta.Status = domain.StatusFailed
			meta.Error = interruptedMessage
			report.Interrupted = append(report.Interrupted, meta.EpisodeID)
		case meta.Status == domain.StatusCompleted:
			size, err := o.cache.BucketSize(meta.EpisodeID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if size > 0 {
				continue
			}
			meta.Status = domain.StatusFailed
			meta.Error = missingMessage
			meta.Size = 0
			report.Missing = append(report.Missing, meta.EpisodeID)
		default:
			continue
		}

		if err := o.store.Put(ctx, meta); err != nil {
			errs = append(errs, err)
			continue
		}
		o.metrics.Transition(string(domain.StatusFailed))
		log.Warn().Str("episode", meta.EpisodeID).Str("reason", meta.Error).Msg("Marked download failed during reconciliation")
	}

	buckets, err := o.cache.Buckets()
	if err != nil {
		return report, errors.Join(append(errs, err)...)
	}
	for _, bucket := range buckets {
		id, ok := cache.EpisodeFromBucket(bucket)
		if !ok || known[id] || owned[id] {
			continue
		}
		freed, err := o.cache.ClearBucket(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.RemovedBuckets = append(report.RemovedBuckets, bucket)
		log.Info().Str("bucket", bucket).Int64("freed", freed).Msg("Removed cache bucket without a download record")
	}

	return report, errors.Join(errs...)
}
