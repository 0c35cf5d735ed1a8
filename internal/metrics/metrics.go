package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

// Collectors groups the service metrics. All methods are safe on a nil receiver
// so components can run without instrumentation.
type Collectors struct {
	cacheLookups      *prometheus.CounterVec
	cacheWrites       prometheus.Counter
	cacheBytesWritten prometheus.Counter
	cacheWriteErrors  *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	activeDownloads   prometheus.Gauge
	upstreamRequests  *prometheus.CounterVec
}

type Manager struct {
	registry   *prometheus.Registry
	collectors *Collectors
}

func NewManager() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := NewCollectors(registry)
	log.Debug().Msg("Metrics registry initialized")

	return &Manager{registry: registry, collectors: c}
}

func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Collectors returns nil on a nil Manager, which disables instrumentation.
func (m *Manager) Collectors() *Collectors {
	if m == nil {
		return nil
	}
	return m.collectors
}

// NewCollectors creates and registers every collector on reg.
func NewCollectors(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "episode_cache_lookups_total",
			Help: "Intercepted segment requests by cache result.",
		}, []string{"result"}),
		cacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "episode_cache_writes_total",
			Help: "Responses stored in the segment cache.",
		}),
		cacheBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "episode_cache_bytes_written_total",
			Help: "Body bytes stored in the segment cache.",
		}),
		cacheWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "episode_cache_write_errors_total",
			Help: "Failed segment cache writes by reason.",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "episode_download_transitions_total",
			Help: "Download status transitions by target status.",
		}, []string{"status"}),
		activeDownloads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "episode_downloads_active",
			Help: "Downloads currently transferring segments.",
		}),
		upstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "episode_proxy_upstream_requests_total",
			Help: "Upstream fetches made by the proxy endpoint by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.cacheLookups,
		c.cacheWrites,
		c.cacheBytesWritten,
		c.cacheWriteErrors,
		c.transitions,
		c.activeDownloads,
		c.upstreamRequests,
	)
	return c
}

func (c *Collectors) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collectors) CacheWrite(bytes int) {
	if c == nil {
		return
	}
	c.cacheWrites.Inc()
	c.cacheBytesWritten.Add(float64(bytes))
}

func (c *Collectors) CacheWriteError(reason string) {
	if c == nil {
		return
	}
	c.cacheWriteErrors.WithLabelValues(reason).Inc()
}

func (c *Collectors) Transition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

func (c *Collectors) DownloadStarted() {
	if c == nil {
		return
	}
	c.activeDownloads.Inc()
}

func (c *Collectors) DownloadFinished() {
	if c == nil {
		return
	}
	c.activeDownloads.Dec()
}

func (c *Collectors) UpstreamRequest(outcome string) {
	if c == nil {
		return
	}
	c.upstreamRequests.WithLabelValues(outcome).Inc()
}
