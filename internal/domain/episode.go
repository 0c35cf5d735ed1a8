package domain

import (
	"fmt"
	"regexp"
)

var episodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ReservedEpisodeID names the shared bucket for segments without a resolvable episode.
const ReservedEpisodeID = "temp"

// ValidateEpisodeID rejects IDs that cannot safely name a cache bucket.
func ValidateEpisodeID(id string) error {
	if id == ReservedEpisodeID || !episodeIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid episode id %q", ErrInvalidRequest, id)
	}
	return nil
}
