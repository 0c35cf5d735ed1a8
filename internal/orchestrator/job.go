package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"episode-cache/internal/domain"
)

// job is the in-memory side of one download attempt.
type job struct {
	// Guards meta
	mu   sync.Mutex
	meta *domain.DownloadMetadata

	// Serializes progress delivery so subscribers see non-decreasing values
	// and CancelDownload can wait out a delivery in progress.
	pubMu     sync.Mutex
	cancelled atomic.Bool

	// Serializes writes to the metadata store so the last write carries the latest state
	persistMu sync.Mutex

	done chan struct{}
}

func newJob(meta *domain.DownloadMetadata) *job {
	return &job{meta: meta, done: make(chan struct{})}
}

func (j *job) episodeID() string {
	// EpisodeID never changes after creation
	return j.meta.EpisodeID
}

func (j *job) snapshot() *domain.DownloadMetadata {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.meta.Clone()
}

func (j *job) setTotal(total int) {
	j.mu.Lock()
	j.meta.SegmentsTotal = total
	j.mu.Unlock()
}

// segmentDone records one finished segment and returns the resulting
// progress event. started is true for the first segment of the attempt.
func (j *job) segmentDone() (ev domain.ProgressEvent, started bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.meta.SegmentsDone++
	j.meta.Progress = domain.Percent(j.meta.SegmentsDone, j.meta.SegmentsTotal)
	if j.meta.Status == domain.StatusPending {
		j.meta.Status = domain.StatusDownloading
		started = true
	}
	return domain.ProgressEvent{
		EpisodeID:     j.meta.EpisodeID,
		Progress:      j.meta.Progress,
		SegmentsDone:  j.meta.SegmentsDone,
		SegmentsTotal: j.meta.SegmentsTotal,
	}, started
}

// finish moves the attempt to a terminal status. It returns false, leaving the
// record untouched, when the attempt already reached one.
func (j *job) finish(status domain.Status, errMsg string, size int64) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.meta.Status.IsTerminal() {
		return false
	}
	j.meta.Status = status
	j.meta.Error = errMsg
	if size > 0 {
		j.meta.Size = size
	}
	if status == domain.StatusCompleted {
		now := time.Now().UTC()
		j.meta.CompletedAt = &now
		j.meta.Progress = 100
	}
	return true
}

// recordSize updates the last known size regardless of status.
func (j *job) recordSize(size int64) {
	j.mu.Lock()
	j.meta.Size = size
	j.mu.Unlock()
}

// failUnsaved marks the record failed after the store refused it. A cancelled
// record stays cancelled.
func (j *job) failUnsaved(errMsg string) *domain.DownloadMetadata {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.meta.Status != domain.StatusCancelled {
		j.meta.Status = domain.StatusFailed
		j.meta.Error = errMsg
	}
	return j.meta.Clone()
}

func (j *job) terminal() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.meta.Status.IsTerminal()
}
