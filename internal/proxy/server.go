package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"episode-cache/internal/cache"
	"episode-cache/internal/config"
	playlist "episode-cache/internal/m3u8"
	"episode-cache/internal/metrics"
	"episode-cache/internal/orchestrator"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	proxyCacheControl   = "public, max-age=3600"
)

type Deps struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Cache        *cache.Store
	// Interceptor caches player fetches of segments and playlists on a miss.
	// Without it the proxy only replays what downloads cached.
	Interceptor *cache.Interceptor
	Notifier    *cache.Notifier
	Metrics     *metrics.Manager
	// Client fetches upstream content. Defaults to a client with a 30s timeout.
	Client *http.Client

	RetryAttempts uint
	RetryDelay    time.Duration
}

// Server exposes the proxy endpoint, the downloads API and metrics.
type Server struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	cache    *cache.Store
	icpt     *cache.Interceptor
	notifier *cache.Notifier
	metrics  *metrics.Manager
	client   *http.Client

	retryAttempts uint
	retryDelay    time.Duration

	httpServer *http.Server
}

func NewServer(d Deps) *Server {
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	attempts := d.RetryAttempts
	if attempts == 0 {
		attempts = 3
	}
	delay := d.RetryDelay
	if delay == 0 {
		delay = 300 * time.Millisecond
	}
	notifier := d.Notifier
	if notifier == nil && d.Interceptor != nil {
		notifier = d.Interceptor.Notifier()
	}
	if notifier == nil {
		notifier = cache.NewNotifier()
	}

	return &Server{
		cfg:           d.Config,
		orch:          d.Orchestrator,
		cache:         d.Cache,
		icpt:          d.Interceptor,
		notifier:      notifier,
		metrics:       d.Metrics,
		client:        client,
		retryAttempts: attempts,
		retryDelay:    delay,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler)

	r.Get(s.cfg.ProxyPath, s.handleProxy)

	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEventStream)
		r.Get("/storage", s.handleStorage)

		r.Route("/downloads", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleStart)
			r.Delete("/", s.handleClearAll)

			r.Get("/{id}", s.handleGet)
			r.Delete("/{id}", s.handleDelete)
			r.Post("/{id}/cancel", s.handleCancel)
			r.Get("/{id}/progress", s.handleProgressStream)
		})
	})

	return r
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("address", ln.Addr().String()).Str("proxy", s.cfg.ProxyEndpoint()).Msg("Server starting")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type upstreamResponse struct {
	status int
	header http.Header
	body   []byte
}

// handleProxy fetches the target in the url parameter with the configured
// upstream headers. Responses already in the segment cache are served from it,
// so downloaded episodes play without network access.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	targetURL, err := url.Parse(target)
	if target == "" || err != nil || (targetURL.Scheme != "http" && targetURL.Scheme != "https") || targetURL.Host == "" {
		http.Error(w, "Invalid url parameter", http.StatusBadRequest)
		return
	}

	key := s.cfg.ProxyEndpoint() + "?" + r.URL.RawQuery
	if entry, bucket, err := s.cache.MatchAny(key); err != nil {
		log.Warn().Err(err).Msg("Cache lookup failed")
	} else if entry != nil {
		log.Trace().Str("bucket", bucket).Str("url", target).Msg("Serving cached response")
		s.metrics.Collectors().CacheLookup("proxy_hit")
		writeProxied(w, entry.StatusCode, entry.Header, entry.Body)
		return
	}

	resp, err := s.fetchUpstream(r.Context(), target)
	if err != nil {
		log.Warn().Err(err).Str("url", target).Msg("Failed to fetch upstream")
		http.Error(w, "Failed to fetch upstream", http.StatusBadGateway)
		return
	}

	body := resp.body
	if resp.status >= 200 && resp.status < 300 && isPlaylist(targetURL, resp.header) {
		if rewritten, err := s.rewritePlaylist(body, targetURL); err != nil {
			log.Debug().Err(err).Str("url", target).Msg("Serving playlist unmodified")
		} else {
			body = rewritten
			resp.header.Set("Content-Type", playlistContentType)
		}
	}

	if resp.status >= 200 && resp.status < 300 {
		s.admit(r, key, resp.status, resp.header, body)
	}

	writeProxied(w, resp.status, resp.header, body)
}

// admit caches a player fetch under the same key a download would use.
// Requests tagged with an episode come from a download whose interceptor
// stores the response itself.
func (s *Server) admit(r *http.Request, key string, status int, header http.Header, body []byte) {
	if s.icpt == nil || r.Header.Get(cache.EpisodeHeader) != "" {
		return
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, key, nil)
	if err != nil || !s.icpt.Intercepts(req) {
		return
	}
	s.metrics.Collectors().CacheLookup("proxy_miss")
	if bucket, err := s.icpt.Admit(req, status, header, body); err != nil {
		log.Warn().Err(err).Str("bucket", bucket).Msg("Failed to cache proxied response")
	}
}

func (s *Server) fetchUpstream(ctx context.Context, target string) (*upstreamResponse, error) {
	var out *upstreamResponse

	err := retry.Do(func() error {
		out = nil

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		for k, v := range s.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		out = &upstreamResponse{status: resp.StatusCode, header: resp.Header, body: body}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.metrics.Collectors().UpstreamRequest("retry")
			log.Debug().Err(err).Uint("attempt", n+1).Str("url", target).Msg("Retrying upstream fetch")
		}),
	)

	switch {
	case out != nil:
		// A persistent 5xx is passed through to the client
		outcome := "ok"
		if out.status >= 500 {
			outcome = "server_error"
		}
		s.metrics.Collectors().UpstreamRequest(outcome)
		return out, nil
	case err != nil:
		s.metrics.Collectors().UpstreamRequest("error")
		return nil, err
	default:
		return nil, errors.New("no upstream response")
	}
}

func (s *Server) rewritePlaylist(body []byte, base *url.URL) ([]byte, error) {
	p, _, err := playlist.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	out, err := playlist.RewriteForProxy(p, s.cfg.ProxyEndpoint(), base)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

func isPlaylist(target *url.URL, header http.Header) bool {
	if strings.EqualFold(path.Ext(target.Path), ".m3u8") {
		return true
	}
	ct := strings.ToLower(header.Get("Content-Type"))
	return strings.Contains(ct, "mpegurl")
}

var hopHeaders = []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length", "Content-Encoding", "Set-Cookie"}

func writeProxied(w http.ResponseWriter, status int, header http.Header, body []byte) {
	for k, v := range header {
		w.Header()[k] = v
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", proxyCacheControl)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
