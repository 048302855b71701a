package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/adelaideecoinformatics/imagerepo/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus instrumentation of the HTTP surface.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	alarmsTotal     *prometheus.CounterVec
	cacheUsedBytes  *prometheus.GaugeVec
	cacheElements   *prometheus.GaugeVec
}

// NewMetrics creates a registry with the repository collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagerepo",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "imagerepo",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		alarmsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imagerepo",
			Name:      "cache_alarms_total",
			Help:      "Cache free-space alarm events by level.",
		}, []string{"level"}),
		cacheUsedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imagerepo",
			Name:      "cache_used_bytes",
			Help:      "Bytes stored per cache level.",
		}, []string{"level"}),
		cacheElements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "imagerepo",
			Name:      "cache_elements",
			Help:      "Entries stored per cache level.",
		}, []string{"level"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		m.requestsTotal,
		m.requestDuration,
		m.alarmsTotal,
		m.cacheUsedBytes,
		m.cacheElements,
	)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AlarmSink adapts cache alarm events onto the alarm counter.
func (m *Metrics) AlarmSink() cache.AlarmSink {
	return func(ev cache.AlarmEvent) {
		m.alarmsTotal.WithLabelValues(ev.LevelID).Inc()
	}
}

// ObserveLevel updates the per-level gauges from a stats snapshot.
func (m *Metrics) ObserveLevel(levelID string, s cache.Stats) {
	m.cacheUsedBytes.WithLabelValues(levelID).Set(float64(s.UsedBytes))
	m.cacheElements.WithLabelValues(levelID).Set(float64(s.ElementCount))
}

// instrument wraps a handler with request counting and latency
// observation for one route label.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		m.requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(sw.code)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
