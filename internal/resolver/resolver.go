package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"episode-cache/internal/domain"
)

// Track is a subtitle or caption track offered with a stream.
type Track struct {
	File  string `json:"file"`
	Label string `json:"label,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// Source is a playable manifest for an episode.
type Source struct {
	VideoURL string  `json:"videoUrl"`
	Tracks   []Track `json:"tracks,omitempty"`
}

// Resolver turns an episode ID into a streaming source. Failures wrap
// domain.ErrResolutionFailed.
type Resolver interface {
	Resolve(ctx context.Context, episodeID string) (*Source, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, episodeID string) (*Source, error)

func (f Func) Resolve(ctx context.Context, episodeID string) (*Source, error) {
	return f(ctx, episodeID)
}

// HTTPResolver asks a sources API at GET <base>/episodes/<id>/sources.
type HTTPResolver struct {
	baseURL  string
	client   *http.Client
	attempts uint
	delay    time.Duration
}

type Option func(*HTTPResolver)

func WithClient(c *http.Client) Option {
	return func(r *HTTPResolver) { r.client = c }
}

// WithRetry sets how many attempts are made and the base delay between them.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(r *HTTPResolver) {
		r.attempts = attempts
		r.delay = delay
	}
}

func NewHTTPResolver(baseURL string, opts ...Option) *HTTPResolver {
	r := &HTTPResolver{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 15 * time.Second},
		attempts: 3,
		delay:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HTTPResolver) Resolve(ctx context.Context, episodeID string) (*Source, error) {
	if r.baseURL == "" {
		return nil, fmt.Errorf("%w: no resolver configured", domain.ErrResolutionFailed)
	}
	endpoint := fmt.Sprintf("%s/episodes/%s/sources", r.baseURL, url.PathEscape(episodeID))

	var src Source
	err := retry.Do(func() error {
		return r.fetch(ctx, endpoint, &src)
	},
		retry.Context(ctx),
		retry.Attempts(r.attempts),
		retry.Delay(r.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Str("episode", episodeID).Uint("attempt", n+1).Msg("Retrying source resolution")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrResolutionFailed, err)
	}

	if src.VideoURL == "" {
		return nil, fmt.Errorf("%w: no video url for episode %s", domain.ErrResolutionFailed, episodeID)
	}
	return &src, nil
}

func (r *HTTPResolver) fetch(ctx context.Context, endpoint string, dst *Source) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("sources api returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return retry.Unrecoverable(fmt.Errorf("sources api returned %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return retry.Unrecoverable(fmt.Errorf("invalid sources response: %w", err))
	}
	return nil
}

// Static resolves every episode to the same source. It is used by the CLI
// when a manifest URL is given directly.
func Static(videoURL string) Resolver {
	return Func(func(_ context.Context, _ string) (*Source, error) {
		if videoURL == "" {
			return nil, fmt.Errorf("%w: empty video url", domain.ErrResolutionFailed)
		}
		return &Source{VideoURL: videoURL}, nil
	})
}

// IsResolutionFailure reports whether err came from a Resolver.
func IsResolutionFailure(err error) bool {
	return errors.Is(err, domain.ErrResolutionFailed)
}
