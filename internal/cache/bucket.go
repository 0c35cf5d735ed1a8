package cache

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	// BucketPrefix marks every bucket owned by the episode cache.
	BucketPrefix = "episode-"
	// TempBucket holds segments whose episode could not be determined.
	TempBucket = BucketPrefix + "temp"

	// EpisodeHeader lets a caller attribute a request to an episode explicitly.
	EpisodeHeader = "X-Episode-Id"
	// KeyHeader marks a proxied fetch of decryption key material, which is
	// cached like a segment whatever its URL looks like.
	KeyHeader = "X-Episode-Key"
)

// Tried in order; the first match wins.
var episodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)episode[_-](\d+)`),
	regexp.MustCompile(`(?i)ep[_-](\d+)`),
	regexp.MustCompile(`/(\d+)/`),
}

// BucketName returns the bucket that holds an episode's segments.
func BucketName(episodeID string) string {
	return BucketPrefix + episodeID
}

// EpisodeFromBucket reverses BucketName. The temp bucket and foreign names report false.
func EpisodeFromBucket(bucket string) (string, bool) {
	if bucket == TempBucket || !strings.HasPrefix(bucket, BucketPrefix) {
		return "", false
	}
	id := strings.TrimPrefix(bucket, BucketPrefix)
	return id, id != ""
}

// ExtractEpisodeID finds an episode number in a target URL.
func ExtractEpisodeID(target string) (string, bool) {
	for _, re := range episodePatterns {
		if m := re.FindStringSubmatch(target); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// BucketForTarget maps a wrapped target URL to its bucket, falling back to TempBucket.
func BucketForTarget(target string) string {
	if id, ok := ExtractEpisodeID(target); ok {
		return BucketName(id)
	}
	return TempBucket
}

// WrappedTarget returns the upstream URL carried in a proxy request's url parameter.
func WrappedTarget(u *url.URL) string {
	return u.Query().Get("url")
}
