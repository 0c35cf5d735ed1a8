package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"episode-cache/internal/cache"
	"episode-cache/internal/domain"
	"episode-cache/internal/downloader"
	"episode-cache/internal/metadata"
	"episode-cache/internal/progress"
	"episode-cache/internal/resolver"
)

const (
	showBase   = "https://cdn.example/show/"
	masterURL  = showBase + "master.m3u8"
	variantURL = showBase + "high/index.m3u8"
	keyURL     = showBase + "high/key.bin"
	segmentLen = 100
)

func segmentURL(i int) string {
	return fmt.Sprintf("%shigh/seg%d.ts", showBase, i)
}

// fakeUpstream plays the proxy endpoint for a fixed show.
type fakeUpstream struct {
	srv  *httptest.Server
	gate chan struct{}
	stop chan struct{}
	once sync.Once

	mu       sync.Mutex
	bodies   map[string][]byte
	failing  map[string]int
	requests map[string]int
}

func newFakeUpstream(t *testing.T, segments int, gated bool) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{
		stop:     make(chan struct{}),
		bodies:   make(map[string][]byte),
		failing:  make(map[string]int),
		requests: make(map[string]int),
	}
	if gated {
		u.gate = make(chan struct{})
	}

	u.bodies[masterURL] = []byte("#EXTM3U\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360\nlow/index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\nhigh/index.m3u8\n")

	var media strings.Builder
	media.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n")
	for i := range segments {
		fmt.Fprintf(&media, "#EXTINF:4.0,\nseg%d.ts\n", i)
		u.bodies[segmentURL(i)] = []byte(strings.Repeat(string(rune('a'+i%26)), segmentLen))
	}
	media.WriteString("#EXT-X-ENDLIST\n")
	u.bodies[variantURL] = []byte(media.String())

	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	t.Cleanup(func() { close(u.stop) })
	return u
}

func (u *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")

	u.mu.Lock()
	u.requests[target]++
	status := u.failing[target]
	body, ok := u.bodies[target]
	u.mu.Unlock()

	if strings.HasSuffix(target, ".ts") && u.gate != nil {
		select {
		case <-u.gate:
		case <-u.stop:
			return
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case status != 0:
		w.WriteHeader(status)
	case !ok:
		http.NotFound(w, r)
	default:
		_, _ = w.Write(body)
	}
}

// encrypt adds an AES-128 key to the media playlist.
func (u *fakeUpstream) encrypt() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.bodies[variantURL] = []byte(strings.Replace(string(u.bodies[variantURL]),
		"#EXT-X-MEDIA-SEQUENCE:0\n",
		"#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n", 1))
	u.bodies[keyURL] = []byte("0123456789abcdef")
}

func (u *fakeUpstream) proxyEndpoint() string {
	return u.srv.URL + "/proxy"
}

// release lets n gated segment responses through.
func (u *fakeUpstream) release(n int) {
	for range n {
		u.gate <- struct{}{}
	}
}

func (u *fakeUpstream) releaseAll() {
	u.once.Do(func() { close(u.gate) })
}

func (u *fakeUpstream) fail(target string, status int) {
	u.mu.Lock()
	u.failing[target] = status
	u.mu.Unlock()
}

func (u *fakeUpstream) requestCount(target string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests[target]
}

func (u *fakeUpstream) segmentRequests() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for target, c := range u.requests {
		if strings.HasSuffix(target, ".ts") {
			n += c
		}
	}
	return n
}

// memoryBackend is a metadata.Backend whose writes can be made to fail.
type memoryBackend struct {
	mu          sync.Mutex
	data        map[string][]byte
	failUpdates error
	failDeletes error
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: make(map[string][]byte)}
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memoryBackend) Update(_ context.Context, sets map[string][]byte, deletes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdates != nil {
		return m.failUpdates
	}
	if len(deletes) > 0 && m.failDeletes != nil {
		return m.failDeletes
	}
	for k, v := range sets {
		m.data[k] = v
	}
	for _, k := range deletes {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryBackend) Close() error { return nil }

func (m *memoryBackend) setFailUpdates(err error) {
	m.mu.Lock()
	m.failUpdates = err
	m.mu.Unlock()
}

func (m *memoryBackend) setFailDeletes(err error) {
	m.mu.Lock()
	m.failDeletes = err
	m.mu.Unlock()
}

type harnessOptions struct {
	segments    int
	gated       bool
	cacheMax    int64
	concurrency int
	resolver    resolver.Resolver
	encrypted   bool
}

type harness struct {
	orch     *Orchestrator
	upstream *fakeUpstream
	cache    *cache.Store
	cacheDir string
	store    *metadata.Store
	backend  *memoryBackend
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.segments == 0 {
		opts.segments = 5
	}

	up := newFakeUpstream(t, opts.segments, opts.gated)
	if opts.encrypted {
		up.encrypt()
	}

	cacheDir := t.TempDir()
	cacheStore, err := cache.NewStore(cacheDir, opts.cacheMax)
	require.NoError(t, err)

	interceptor := cache.NewInterceptor(cacheStore, cache.InterceptorOptions{ProxyPath: "/proxy"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go interceptor.Run(ctx)

	backend := newMemoryBackend()
	store := metadata.NewStore(backend)

	o := New(Options{
		Store:       store,
		Cache:       cacheStore,
		Fetcher:     downloader.NewFetcher(&http.Client{Transport: interceptor}, up.proxyEndpoint()),
		Bus:         progress.NewBus(),
		Resolver:    opts.resolver,
		Concurrency: opts.concurrency,
	})
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = o.Shutdown(sctx)
	})

	return &harness{orch: o, upstream: up, cache: cacheStore, cacheDir: cacheDir, store: store, backend: backend}
}

func episode(id string) StartRequest {
	return StartRequest{
		EpisodeID:     id,
		AnimeID:       "anime1",
		EpisodeNumber: 1,
		Title:         "Episode 1",
		VideoURL:      masterURL,
	}
}

func (h *harness) wait(t *testing.T, id string) *domain.DownloadMetadata {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	meta, err := h.orch.Wait(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, meta)
	return meta
}

func (h *harness) status(t *testing.T, id string) *domain.DownloadMetadata {
	t.Helper()
	meta, err := h.orch.GetDownloadStatus(context.Background(), id)
	require.NoError(t, err)
	return meta
}

// recorder collects progress events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (r *recorder) listen(ev domain.ProgressEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []domain.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ProgressEvent(nil), r.events...)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
