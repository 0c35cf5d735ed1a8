package domain

import "time"

// Status is the lifecycle state of a single episode download attempt.
type Status string

const (
	StatusPending     Status = "pending"
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDownloading, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for statuses that only change through a new StartDownload.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsActive returns true while a transfer is expected to progress on its own.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusDownloading
}

func (s Status) String() string {
	return string(s)
}

// DownloadMetadata describes one episode download attempt, independent of the cached bytes.
type DownloadMetadata struct {
	EpisodeID     string `json:"episodeId"`
	AttemptID     string `json:"attemptId"`
	AnimeID       string `json:"animeId"`
	EpisodeNumber int    `json:"episodeNumber"`
	Title         string `json:"title"`
	VideoURL      string `json:"videoUrl"`
	Status        Status `json:"status"`

	// Progress is recomputed from segment counts and is only meaningful while active.
	Progress      int `json:"progress"`
	SegmentsDone  int `json:"segmentsDone,omitempty"`
	SegmentsTotal int `json:"segmentsTotal,omitempty"`

	Size        int64      `json:"size"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Clone returns a copy safe to hand out to callers.
func (m *DownloadMetadata) Clone() *DownloadMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ProgressEvent is an ephemeral percent-complete update for an active download.
type ProgressEvent struct {
	EpisodeID     string `json:"episodeId"`
	Progress      int    `json:"progress"`
	SegmentsDone  int    `json:"segmentsDone"`
	SegmentsTotal int    `json:"segmentsTotal"`
}

// Percent computes a 0-100 progress value from segment counts.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	if done >= total {
		return 100
	}
	return done * 100 / total
}
