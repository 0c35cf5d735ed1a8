package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"episode-cache/internal/domain"
	"episode-cache/internal/metrics"
)

// ErrInterceptorStopped is returned for requests made after Run has exited.
var ErrInterceptorStopped = errors.New("segment interceptor stopped")

type fetchEvent struct {
	req   *http.Request
	reply chan fetchResult
}

type fetchResult struct {
	resp *http.Response
	err  error
}

// Interceptor sits in front of an http.RoundTripper and serves proxy-wrapped
// segment and manifest requests from the Store, filling it on misses.
// Intercepted requests are mailed to the Run loop, which handles each on its
// own goroutine; everything else goes straight to the base transport.
type Interceptor struct {
	store     *Store
	base      http.RoundTripper
	notifier  *Notifier
	metrics   *metrics.Collectors
	proxyPath string

	mailbox chan fetchEvent
	done    chan struct{}
}

type InterceptorOptions struct {
	// ProxyPath is the path of the proxy endpoint whose requests are cached.
	ProxyPath string
	Base      http.RoundTripper
	Notifier  *Notifier
	Metrics   *metrics.Collectors
}

func NewInterceptor(store *Store, opts InterceptorOptions) *Interceptor {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	proxyPath := opts.ProxyPath
	if proxyPath == "" {
		proxyPath = "/proxy"
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NewNotifier()
	}

	return &Interceptor{
		store:     store,
		base:      base,
		notifier:  notifier,
		metrics:   opts.Metrics,
		proxyPath: proxyPath,
		mailbox:   make(chan fetchEvent),
		done:      make(chan struct{}),
	}
}

// Notifier returns the hub CACHE_SEGMENT events are broadcast on.
func (i *Interceptor) Notifier() *Notifier {
	return i.notifier
}

// Run processes intercepted requests until ctx is done. It must be running
// for intercepted requests to complete.
func (i *Interceptor) Run(ctx context.Context) {
	defer close(i.done)
	log.Debug().Str("proxy_path", i.proxyPath).Msg("Segment interceptor started")

	for {
		select {
		case ev := <-i.mailbox:
			go func() {
				resp, err := i.Resolve(ev.req)
				ev.reply <- fetchResult{resp: resp, err: err}
			}()
		case <-ctx.Done():
			log.Debug().Msg("Segment interceptor stopped")
			return
		}
	}
}

// Intercepts reports whether req is a proxy-wrapped .ts or .m3u8 fetch, or a
// proxied fetch marked as key material by KeyHeader.
func (i *Interceptor) Intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet || req.URL.Path != i.proxyPath {
		return false
	}
	if req.Header.Get(KeyHeader) != "" && WrappedTarget(req.URL) != "" {
		return true
	}
	target, err := url.Parse(WrappedTarget(req.URL))
	if err != nil || target.Path == "" {
		return false
	}
	switch strings.ToLower(path.Ext(target.Path)) {
	case ".ts", ".m3u8":
		return true
	}
	return false
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if !i.Intercepts(req) {
		return i.base.RoundTrip(req)
	}

	ev := fetchEvent{req: req, reply: make(chan fetchResult, 1)}
	select {
	case i.mailbox <- ev:
	case <-i.done:
		return nil, ErrInterceptorStopped
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}

	select {
	case res := <-ev.reply:
		return res.resp, res.err
	case <-req.Context().Done():
		return nil, req.Context().Err()
	}
}

// BucketFor picks the bucket a request belongs to: the explicit episode
// header first, then the episode number found in the wrapped target URL.
func (i *Interceptor) BucketFor(req *http.Request) string {
	if id := req.Header.Get(EpisodeHeader); id != "" && domain.ValidateEpisodeID(id) == nil {
		return BucketName(id)
	}
	return BucketForTarget(WrappedTarget(req.URL))
}

// Resolve serves req from the cache or the network, caching successful
// network responses. On network failure a cached copy is served if one exists.
func (i *Interceptor) Resolve(req *http.Request) (*http.Response, error) {
	bucket := i.BucketFor(req)
	key := req.URL.String()

	entry, err := i.store.Match(bucket, key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucket).Msg("Cache lookup failed, fetching from network")
	}
	if entry != nil {
		i.metrics.CacheLookup("hit")
		return entry.response(req), nil
	}
	i.metrics.CacheLookup("miss")

	resp, err := i.base.RoundTrip(req)
	if err != nil {
		if fallback := i.fallback(bucket, key); fallback != nil {
			log.Debug().Err(err).Str("bucket", bucket).Msg("Network failed, serving cached copy")
			i.metrics.CacheLookup("fallback")
			return fallback.response(req), nil
		}
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if err := i.admit(req, bucket, key, resp.StatusCode, resp.Header, body); err != nil {
		// A download must not count a segment it could not keep
		if errors.Is(err, domain.ErrQuotaExceeded) || req.Header.Get(EpisodeHeader) != "" {
			return nil, err
		}
		log.Warn().Err(err).Str("bucket", bucket).Msg("Failed to cache response")
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

// Admit caches a response fetched outside the interceptor for the proxied
// request req, attributing it to a bucket the same way Resolve does.
func (i *Interceptor) Admit(req *http.Request, status int, header http.Header, body []byte) (string, error) {
	bucket := i.BucketFor(req)
	return bucket, i.admit(req, bucket, req.URL.String(), status, header, body)
}

func (i *Interceptor) admit(req *http.Request, bucket, key string, status int, header http.Header, body []byte) error {
	if err := i.store.Put(bucket, key, status, header, body); err != nil {
		if errors.Is(err, domain.ErrQuotaExceeded) {
			i.metrics.CacheWriteError("quota")
		} else {
			i.metrics.CacheWriteError("io")
		}
		return fmt.Errorf("failed to cache %s in %s: %w", WrappedTarget(req.URL), bucket, err)
	}
	i.metrics.CacheWrite(len(body))
	i.notify(bucket, WrappedTarget(req.URL), len(body))
	return nil
}

func (i *Interceptor) fallback(bucket, key string) *Entry {
	for _, b := range []string{bucket, TempBucket} {
		if entry, err := i.store.Match(b, key); err == nil && entry != nil {
			return entry
		}
	}
	return nil
}

func (i *Interceptor) notify(bucket, target string, n int) {
	episodeID, _ := EpisodeFromBucket(bucket)
	i.notifier.Broadcast(Event{
		Type:      EventCacheSegment,
		EpisodeID: episodeID,
		Bucket:    bucket,
		URL:       target,
		Bytes:     n,
		Time:      time.Now().UTC(),
	})
}

func (e *Entry) response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
