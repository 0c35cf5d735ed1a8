package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"episode-cache/internal/cache"
	"episode-cache/internal/config"
	"episode-cache/internal/domain"
	"episode-cache/internal/downloader"
	"episode-cache/internal/metadata"
	"episode-cache/internal/metrics"
	"episode-cache/internal/orchestrator"
	"episode-cache/internal/progress"
	"episode-cache/internal/resolver"
)

const (
	segmentCount = 4
	segmentBody  = "0123456789abcdef"
	testReferer  = "https://referer.example/"
)

// cdn serves a master playlist with two variants and a media playlist of
// segmentCount segments. Segment responses wait on gate when one is set.
type cdn struct {
	srv  *httptest.Server
	gate chan struct{}

	mu      sync.Mutex
	hits    map[string]int
	referer map[string]string
	flaky   int
}

func newCDN(t *testing.T, gated bool) *cdn {
	t.Helper()
	c := &cdn{hits: make(map[string]int), referer: make(map[string]string)}
	if gated {
		c.gate = make(chan struct{})
	}
	c.srv = httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *cdn) serve(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.hits[r.URL.Path]++
	c.referer[r.URL.Path] = r.Header.Get("Referer")
	flaky := c.flaky > 0 && r.URL.Path == "/flaky.ts"
	if flaky {
		c.flaky--
	}
	c.mu.Unlock()

	switch {
	case r.URL.Path == "/show/master.m3u8":
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, "#EXTM3U\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nlow/index.m3u8\n"+
			"#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720\nhigh/index.m3u8\n")
	case r.URL.Path == "/show/high/index.m3u8":
		var b strings.Builder
		b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXT-X-MEDIA-SEQUENCE:0\n")
		for i := 0; i < segmentCount; i++ {
			fmt.Fprintf(&b, "#EXTINF:10.000,\nseg%d.ts\n", i)
		}
		b.WriteString("#EXT-X-ENDLIST\n")
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = io.WriteString(w, b.String())
	case strings.HasPrefix(r.URL.Path, "/show/high/seg"):
		if c.gate != nil {
			select {
			case <-c.gate:
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = io.WriteString(w, segmentBody)
	case strings.HasPrefix(r.URL.Path, "/episode_42/"):
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = io.WriteString(w, segmentBody)
	case r.URL.Path == "/flaky.ts":
		if flaky {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	case r.URL.Path == "/broken.ts":
		http.Error(w, "broken", http.StatusInternalServerError)
	default:
		http.NotFound(w, r)
	}
}

func (c *cdn) url(path string) string {
	return c.srv.URL + path
}

func (c *cdn) masterURL() string {
	return c.url("/show/master.m3u8")
}

func (c *cdn) hitCount(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits[path]
}

func (c *cdn) refererFor(path string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.referer[path]
}

func (c *cdn) open() {
	if c.gate != nil {
		select {
		case <-c.gate:
		default:
			close(c.gate)
		}
	}
}

// quotaBackend is an in-memory metadata backend whose writes can be refused.
type quotaBackend struct {
	mu   sync.Mutex
	data map[string][]byte
	full bool
}

func (b *quotaBackend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data[key], nil
}

func (b *quotaBackend) Update(_ context.Context, sets map[string][]byte, deletes []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full && len(sets) > 0 {
		return fmt.Errorf("%w: backend full", domain.ErrQuotaExceeded)
	}
	for k, v := range sets {
		b.data[k] = v
	}
	for _, k := range deletes {
		delete(b.data, k)
	}
	return nil
}

func (b *quotaBackend) Close() error { return nil }

func (b *quotaBackend) setFull(full bool) {
	b.mu.Lock()
	b.full = full
	b.mu.Unlock()
}

type testServer struct {
	ts      *httptest.Server
	cdn     *cdn
	cfg     *config.Config
	server  *Server
	orch    *orchestrator.Orchestrator
	cache   *cache.Store
	bus     *progress.Bus
	icpt    *cache.Interceptor
	backend *quotaBackend
}

// newTestServer wires the full stack: the orchestrator downloads through the
// interceptor, which fetches from this server's own proxy endpoint.
func newTestServer(t *testing.T, gated bool) *testServer {
	t.Helper()
	c := newCDN(t, gated)

	var h http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.ProxyBaseURL = ts.URL
	cfg.Headers = map[string]string{"Referer": testReferer}

	m := metrics.NewManager()
	store, err := cache.NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	icpt := cache.NewInterceptor(store, cache.InterceptorOptions{ProxyPath: cfg.ProxyPath, Metrics: m.Collectors()})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go icpt.Run(ctx)

	backend := &quotaBackend{data: make(map[string][]byte)}
	bus := progress.NewBus()
	orch := orchestrator.New(orchestrator.Options{
		Store:   metadata.NewStore(backend),
		Cache:   store,
		Fetcher: downloader.NewFetcher(&http.Client{Transport: icpt, Timeout: 10 * time.Second}, cfg.ProxyEndpoint()),
		Bus:     bus,
		Resolver: resolver.Func(func(_ context.Context, episodeID string) (*resolver.Source, error) {
			if episodeID == "unresolvable" {
				return nil, fmt.Errorf("%w: no sources", domain.ErrResolutionFailed)
			}
			return &resolver.Source{VideoURL: c.masterURL()}, nil
		}),
		Metrics:     m.Collectors(),
		Concurrency: 2,
	})
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = orch.Shutdown(sctx)
	})
	t.Cleanup(c.open)

	srv := NewServer(Deps{
		Config:       cfg,
		Orchestrator: orch,
		Cache:        store,
		Interceptor:  icpt,
		Metrics:      m,
		RetryDelay:   time.Millisecond,
	})
	h = srv.Handler()

	return &testServer{ts: ts, cdn: c, cfg: cfg, server: srv, orch: orch, cache: store, bus: bus, icpt: icpt, backend: backend}
}

func (s *testServer) proxyURL(target string) string {
	return s.ts.URL + "/proxy?url=" + url.QueryEscape(target)
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, s.ts.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) get(t *testing.T, rawURL string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(data)
}

func (s *testServer) wait(t *testing.T, id string) *domain.DownloadMetadata {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	meta, err := s.orch.Wait(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, meta)
	return meta
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}
