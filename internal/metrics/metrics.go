// Package metrics exposes Prometheus collectors for downloads, persistence
// and the HTTP layer. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	tasksStarted     *prometheus.CounterVec
	tasksCompleted   *prometheus.CounterVec
	downloadDuration *prometheus.HistogramVec
	downloadedBytes  prometheus.Counter
	spawnFailures    prometheus.Counter
	activeDownloads  prometheus.Gauge
	persistWrites    *prometheus.CounterVec
	persistSkipped   prometheus.Counter
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New creates collectors prefixed with namespace on a private registry that
// also carries the Go runtime and process collectors.
func New(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.tasksStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_started_total",
			Help:      "Downloads started, by kind.",
		},
		[]string{"kind"},
	)
	m.tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Downloads that reached a terminal status, by status.",
		},
		[]string{"status"},
	)
	m.downloadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Wall time from start to terminal status.",
			// 10s to ~3h
			Buckets: prometheus.ExponentialBuckets(10, 2, 11),
		},
		[]string{"status"},
	)
	m.downloadedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downloaded_bytes_total",
		Help:      "Reported size of finished downloads.",
	})
	m.spawnFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spawn_failures_total",
		Help:      "Downloader processes that could not be started.",
	})
	m.activeDownloads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_downloads",
		Help:      "Live downloader processes.",
	})
	m.persistWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_writes_total",
			Help:      "Snapshot writes, by result.",
		},
		[]string{"result"},
	)
	m.persistSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "persist_skipped_total",
		Help:      "Non-forced saves dropped by the throttle.",
	})
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by route and status code.",
		},
		[]string{"route", "code"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksStarted,
		m.tasksCompleted,
		m.downloadDuration,
		m.downloadedBytes,
		m.spawnFailures,
		m.activeDownloads,
		m.persistWrites,
		m.persistSkipped,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format for the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TaskStarted(kind string) {
	if m == nil {
		return
	}
	m.tasksStarted.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskCompleted(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
	m.downloadDuration.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) BytesDownloaded(n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.downloadedBytes.Add(float64(n))
}

func (m *Metrics) SpawnFailed() {
	if m == nil {
		return
	}
	m.spawnFailures.Inc()
}

func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.activeDownloads.Set(float64(n))
}

// PersistWrite counts one attempted write; err nil means success.
func (m *Metrics) PersistWrite(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persistWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) PersistSkipped() {
	if m == nil {
		return
	}
	m.persistSkipped.Inc()
}

func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, httpCode(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
