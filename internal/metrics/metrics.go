// Package metrics exposes Prometheus metrics for the fragment caches.
package metrics

import (
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/fragcache/internal/cache"
	"github.com/jmylchreest/fragcache/internal/fmp4"
)

const namespace = "fragcache"

// Metrics holds the collectors of every tracked stream.
type Metrics struct {
	registry *prometheus.Registry

	initializations *prometheus.CounterVec
	segments        *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	resets          *prometheus.CounterVec
	failures        *prometheus.CounterVec

	mu      sync.RWMutex
	tracked map[string]*cache.Cache
}

// New creates a registry with the stream collectors and the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		initializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "initializations_total",
			Help:      "Total initialization segments received",
		}, []string{"base_path"}),
		segments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_total",
			Help:      "Total media segments ingested",
		}, []string{"base_path"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_bytes_total",
			Help:      "Total media segment bytes ingested",
		}, []string{"base_path"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Total cache resets",
		}, []string{"base_path"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total ingestion errors by kind",
		}, []string{"base_path", "kind"}),
		tracked: make(map[string]*cache.Cache),
	}

	m.registry.MustRegister(
		m.initializations,
		m.segments,
		m.bytes,
		m.resets,
		m.failures,
		&streamCollector{m: m},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Track counts the events of a cache and reports its gauges until the
// returned function is called.
func (m *Metrics) Track(basePath string, c *cache.Cache) (untrack func()) {
	m.mu.Lock()
	m.tracked[basePath] = c
	m.mu.Unlock()

	unregister := c.Register(m.Listener(basePath))
	return func() {
		unregister()
		m.mu.Lock()
		if m.tracked[basePath] == c {
			delete(m.tracked, basePath)
		}
		m.mu.Unlock()
	}
}

// Listener returns a cache listener that counts events for basePath.
func (m *Metrics) Listener(basePath string) cache.Listener {
	return cache.ListenerFunc(func(e cache.Event) {
		switch e.Type {
		case cache.EventInitialized:
			m.initializations.WithLabelValues(basePath).Inc()
		case cache.EventSegment:
			m.segments.WithLabelValues(basePath).Inc()
			if e.Segment != nil {
				m.bytes.WithLabelValues(basePath).Add(float64(e.Segment.Size()))
			}
		case cache.EventReset:
			m.resets.WithLabelValues(basePath).Inc()
		case cache.EventError:
			m.failures.WithLabelValues(basePath, ErrorKind(e.Err)).Inc()
		}
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ErrorKind maps an ingestion error to a metric label.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, fmp4.ErrMalformedBox):
		return "malformed_box"
	case errors.Is(err, fmp4.ErrPrematureSegment):
		return "premature_segment"
	case errors.Is(err, fmp4.ErrOrphanedMedia):
		return "orphaned_media"
	case errors.Is(err, cache.ErrSequenceGap):
		return "sequence_gap"
	default:
		return "other"
	}
}

var (
	subscribersDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "subscribers"),
		"Active subscriptions",
		[]string{"base_path"}, nil,
	)
	bufferedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "buffered_segments"),
		"Segments retained in the window",
		[]string{"base_path"}, nil,
	)
	initializedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "initialized"),
		"Whether the stream has an initialization segment",
		[]string{"base_path"}, nil,
	)
	durationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "generation_duration_seconds"),
		"Media duration ingested in the current generation",
		[]string{"base_path"}, nil,
	)
)

// streamCollector reads the gauges from the tracked caches at scrape time.
type streamCollector struct {
	m *Metrics
}

func (c *streamCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- subscribersDesc
	ch <- bufferedDesc
	ch <- initializedDesc
	ch <- durationDesc
}

func (c *streamCollector) Collect(ch chan<- prometheus.Metric) {
	c.m.mu.RLock()
	paths := make([]string, 0, len(c.m.tracked))
	for p := range c.m.tracked {
		paths = append(paths, p)
	}
	caches := make(map[string]*cache.Cache, len(paths))
	for _, p := range paths {
		caches[p] = c.m.tracked[p]
	}
	c.m.mu.RUnlock()
	sort.Strings(paths)

	for _, p := range paths {
		st := caches[p].Status()
		initialized := 0.0
		if st.Initialized {
			initialized = 1
		}
		ch <- prometheus.MustNewConstMetric(subscribersDesc, prometheus.GaugeValue, float64(st.Subscribers), p)
		ch <- prometheus.MustNewConstMetric(bufferedDesc, prometheus.GaugeValue, float64(st.SegmentCount), p)
		ch <- prometheus.MustNewConstMetric(initializedDesc, prometheus.GaugeValue, initialized, p)
		ch <- prometheus.MustNewConstMetric(durationDesc, prometheus.GaugeValue, st.TotalDuration.Seconds(), p)
	}
}
