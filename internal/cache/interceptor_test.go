package cache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"episode-cache/internal/domain"
)

type upstream struct {
	server *httptest.Server
	hits   atomic.Int32
}

// newUpstream stands in for the proxy endpoint: it echoes the wrapped target.
func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		target := r.URL.Query().Get("url")
		if target == "" || r.URL.Query().Get("fail") != "" {
			http.Error(w, "bad", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		_, _ = io.WriteString(w, "data:"+target)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) proxyURL(target string) string {
	return u.server.URL + "/proxy?url=" + url.QueryEscape(target)
}

func startInterceptor(t *testing.T, store *Store) (*Interceptor, *http.Client) {
	t.Helper()
	interceptor := NewInterceptor(store, InterceptorOptions{ProxyPath: "/proxy"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go interceptor.Run(ctx)
	return interceptor, &http.Client{Transport: interceptor, Timeout: 5 * time.Second}
}

func get(t *testing.T, client *http.Client, rawURL string, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestInterceptor_Intercepts(t *testing.T) {
	i := NewInterceptor(newTestStore(t, 0), InterceptorOptions{})

	tests := []struct {
		method string
		url    string
		want   bool
	}{
		{http.MethodGet, "http://h/proxy?url=" + url.QueryEscape("https://cdn/ep_1/seg.ts"), true},
		{http.MethodGet, "http://h/proxy?url=" + url.QueryEscape("https://cdn/ep_1/INDEX.M3U8?x=1"), true},
		{http.MethodGet, "http://h/proxy?url=" + url.QueryEscape("https://cdn/ep_1/key.key"), false},
		{http.MethodGet, "http://h/other?url=" + url.QueryEscape("https://cdn/ep_1/seg.ts"), false},
		{http.MethodGet, "http://h/proxy", false},
		{http.MethodPost, "http://h/proxy?url=" + url.QueryEscape("https://cdn/ep_1/seg.ts"), false},
	}

	for _, tt := range tests {
		req, err := http.NewRequest(tt.method, tt.url, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, i.Intercepts(req), "%s %s", tt.method, tt.url)
	}
}

func TestInterceptor_MissThenHit(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	interceptor, client := startInterceptor(t, store)
	sub := interceptor.Notifier().Subscribe(context.Background())
	t.Cleanup(func() { interceptor.Notifier().Unsubscribe(sub) })

	target := "https://cdn.example/show/episode_42/seg3.ts"

	resp, body := get(t, client, up.proxyURL(target), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data:"+target, body)

	resp, body = get(t, client, up.proxyURL(target), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data:"+target, body)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.EqualValues(t, 1, up.hits.Load(), "second request must be served from cache")

	size, err := store.BucketSize("42")
	require.NoError(t, err)
	assert.EqualValues(t, len("data:"+target), size)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, EventCacheSegment, ev.Type)
		assert.Equal(t, "42", ev.EpisodeID)
		assert.Equal(t, "episode-42", ev.Bucket)
		assert.Equal(t, target, ev.URL)
	case <-time.After(time.Second):
		t.Fatal("expected a CACHE_SEGMENT event")
	}
}

func TestInterceptor_UnattributedGoesToTemp(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	_, client := startInterceptor(t, store)

	get(t, client, up.proxyURL("https://cdn.example/hls/seg.ts"), nil)

	buckets, err := store.Buckets()
	require.NoError(t, err)
	assert.Equal(t, []string{TempBucket}, buckets)
}

func TestInterceptor_EpisodeHeaderWins(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	_, client := startInterceptor(t, store)

	get(t, client, up.proxyURL("https://cdn.example/episode_42/seg.ts"), http.Header{EpisodeHeader: []string{"ep1"}})

	size, err := store.BucketSize("ep1")
	require.NoError(t, err)
	assert.Positive(t, size)

	size, err = store.BucketSize("42")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestInterceptor_PassThrough(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	_, client := startInterceptor(t, store)

	rawURL := up.server.URL + "/proxy?url=" + url.QueryEscape("https://cdn.example/episode_1/poster.jpg")
	get(t, client, rawURL, nil)
	get(t, client, rawURL, nil)

	assert.EqualValues(t, 2, up.hits.Load())
	buckets, err := store.Buckets()
	require.NoError(t, err)
	assert.Empty(t, buckets)
}

func TestInterceptor_ErrorStatusNotCached(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	_, client := startInterceptor(t, store)

	rawURL := up.proxyURL("https://cdn.example/episode_1/seg.ts") + "&fail=1"
	resp, _ := get(t, client, rawURL, nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	get(t, client, rawURL, nil)

	assert.EqualValues(t, 2, up.hits.Load())
}

func TestInterceptor_NetworkFailureServesCachedCopy(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	_, client := startInterceptor(t, store)

	rawURL := up.proxyURL("https://cdn.example/hls/seg.ts")
	get(t, client, rawURL, nil) // lands in the temp bucket
	up.server.Close()

	// Attributed to an episode bucket that has no copy, so the lookup misses,
	// the network fails and the temp copy is served.
	resp, body := get(t, client, rawURL, http.Header{EpisodeHeader: []string{"ep9"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data:https://cdn.example/hls/seg.ts", body)
}

func TestInterceptor_NetworkFailureWithoutCopy(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	_, client := startInterceptor(t, store)
	up.server.Close()

	_, err := client.Get(up.proxyURL("https://cdn.example/episode_1/seg.ts"))
	assert.Error(t, err)
}

func TestInterceptor_QuotaErrorPropagates(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 4)
	_, client := startInterceptor(t, store)

	_, err := client.Get(up.proxyURL("https://cdn.example/episode_1/seg.ts"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
}

func TestInterceptor_StoppedRejects(t *testing.T) {
	store := newTestStore(t, 0)
	interceptor := NewInterceptor(store, InterceptorOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	interceptor.Run(ctx)

	req, err := http.NewRequest(http.MethodGet, "http://h/proxy?url="+url.QueryEscape("https://cdn/ep_1/seg.ts"), nil)
	require.NoError(t, err)
	_, err = interceptor.RoundTrip(req)
	assert.ErrorIs(t, err, ErrInterceptorStopped)
}

func TestInterceptor_KeyHeaderIntercepts(t *testing.T) {
	i := NewInterceptor(newTestStore(t, 0), InterceptorOptions{})

	req, err := http.NewRequest(http.MethodGet, "http://h/proxy?url="+url.QueryEscape("https://cdn/keys?id=7"), nil)
	require.NoError(t, err)
	assert.False(t, i.Intercepts(req))

	req.Header.Set(KeyHeader, "1")
	assert.True(t, i.Intercepts(req))
}

// blockBucket puts a regular file where the episode's bucket directory belongs.
func blockBucket(t *testing.T, store *Store, episodeID string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(store.dir, BucketName(episodeID)), []byte("x"), 0o644))
}

func TestInterceptor_WriteFailureFailsEpisodeFetch(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	_, client := startInterceptor(t, store)
	blockBucket(t, store, "ep1")

	req, err := http.NewRequest(http.MethodGet, up.proxyURL("https://cdn.example/hls/seg.ts"), nil)
	require.NoError(t, err)
	req.Header.Set(EpisodeHeader, "ep1")

	_, err = client.Do(req)
	assert.Error(t, err)
}

func TestInterceptor_WriteFailureStillServesPlayer(t *testing.T) {
	up := newUpstream(t)
	store := newTestStore(t, 0)
	_, client := startInterceptor(t, store)
	blockBucket(t, store, "42")

	resp, body := get(t, client, up.proxyURL("https://cdn.example/episode_42/seg.ts"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "data:https://cdn.example/episode_42/seg.ts", body)
}

func TestInterceptor_Admit(t *testing.T) {
	store := newTestStore(t, 0)
	interceptor := NewInterceptor(store, InterceptorOptions{})
	sub := interceptor.Notifier().Subscribe(context.Background())
	t.Cleanup(func() { interceptor.Notifier().Unsubscribe(sub) })

	target := "https://cdn.example/show/episode_42/seg3.ts"
	req, err := http.NewRequest(http.MethodGet, "http://h/proxy?url="+url.QueryEscape(target), nil)
	require.NoError(t, err)

	bucket, err := interceptor.Admit(req, http.StatusOK, http.Header{"Content-Type": []string{"video/mp2t"}}, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, "episode-42", bucket)

	entry, err := store.Match(bucket, req.URL.String())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "payload", string(entry.Body))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, "42", ev.EpisodeID)
		assert.Equal(t, target, ev.URL)
	case <-time.After(time.Second):
		t.Fatal("expected a CACHE_SEGMENT event")
	}
}
