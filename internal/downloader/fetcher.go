package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"episode-cache/internal/cache"
	playlist "episode-cache/internal/m3u8"
)

// StatusError reports a non-2xx answer from the proxy.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status code %d for %s", e.Code, e.URL)
}

// Fetcher retrieves manifests and segments through the proxy endpoint, so
// an interceptor-backed client caches them under the right episode.
type Fetcher struct {
	client        *http.Client
	proxyEndpoint string
}

func NewFetcher(client *http.Client, proxyEndpoint string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, proxyEndpoint: proxyEndpoint}
}

// ProxyURL wraps target in the proxy endpoint.
func (f *Fetcher) ProxyURL(target string) string {
	return playlist.WrapURL(f.proxyEndpoint, target)
}

// Unwrap returns the target of a URL already pointing at the proxy endpoint,
// as found in playlists the proxy rewrote. Other URLs are returned unchanged.
func (f *Fetcher) Unwrap(rawURL string) string {
	if !strings.HasPrefix(rawURL, f.proxyEndpoint+"?") {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if target := u.Query().Get("url"); target != "" {
		return target
	}
	return rawURL
}

func (f *Fetcher) get(ctx context.Context, episodeID, target string, keyMaterial bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ProxyURL(target), nil)
	if err != nil {
		return nil, err
	}
	if episodeID != "" {
		req.Header.Set(cache.EpisodeHeader, episodeID)
	}
	if keyMaterial {
		req.Header.Set(cache.KeyHeader, "1")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{URL: target, Code: resp.StatusCode}
	}
	return resp, nil
}

// Fetch downloads target on behalf of episodeID and discards the body,
// returning the number of bytes read.
func (f *Fetcher) Fetch(ctx context.Context, episodeID, target string) (int64, error) {
	return f.fetch(ctx, episodeID, target, false)
}

// FetchKey downloads a decryption key on behalf of episodeID, marking the
// request so the key is cached with the episode's segments.
func (f *Fetcher) FetchKey(ctx context.Context, episodeID, target string) (int64, error) {
	return f.fetch(ctx, episodeID, target, true)
}

func (f *Fetcher) fetch(ctx context.Context, episodeID, target string, keyMaterial bool) (int64, error) {
	resp, err := f.get(ctx, episodeID, target, keyMaterial)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read %s: %w", target, err)
	}
	return n, nil
}

// FetchPlaylist downloads and parses the manifest at target.
func (f *Fetcher) FetchPlaylist(ctx context.Context, episodeID, target string) (m3u8.Playlist, playlist.PlaylistType, error) {
	resp, err := f.get(ctx, episodeID, target, false)
	if err != nil {
		return nil, playlist.Unknown, err
	}
	defer resp.Body.Close()

	p, typ, err := playlist.Parse(resp.Body)
	if err != nil {
		return nil, playlist.Unknown, fmt.Errorf("failed to parse playlist %s: %w", target, err)
	}
	return p, typ, nil
}
