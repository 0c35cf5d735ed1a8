package domain

import "errors"

// ErrQuotaExceeded indicates a storage write was refused because the storage budget is full
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrDownloadActive indicates a pending or downloading attempt already exists for the episode
var ErrDownloadActive = errors.New("download already in progress")

// ErrNotFound indicates no download record exists for the episode
var ErrNotFound = errors.New("download not found")

// ErrResolutionFailed indicates the streaming source could not produce a playable URL
var ErrResolutionFailed = errors.New("stream resolution failed")

// ErrInvalidRequest indicates a caller supplied malformed arguments
var ErrInvalidRequest = errors.New("invalid request")

// QuotaMessage is the user-facing text stored on downloads that failed for lack of space.
const QuotaMessage = "storage quota exceeded: delete some downloads to free space"
