package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors exported at /metrics.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	responseTime *prometheus.HistogramVec
	scans        *prometheus.CounterVec
	scanTime     prometheus.Histogram
	previews     *prometheus.CounterVec
	sessions     prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medscan_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "path", "status"}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medscan_http_response_time_seconds",
			Help:    "HTTP response time in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "path"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medscan_scans_total",
			Help: "Completed scans by outcome.",
		}, []string{"outcome"}),
		scanTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medscan_scan_duration_seconds",
			Help:    "Scan backend round trip in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 20, 30},
		}),
		previews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medscan_previews_total",
			Help: "Preview references stored and revoked.",
		}, []string{"event"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medscan_sessions",
			Help: "Live visitor sessions.",
		}),
	}

	m.registry.MustRegister(
		m.requests,
		m.responseTime,
		m.scans,
		m.scanTime,
		m.previews,
		m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordRequest(method, path string, status int, duration time.Duration) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.responseTime.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordScan counts a finished scan. Outcomes are success, business,
// transport, input and stale.
func (m *Metrics) RecordScan(outcome string, duration time.Duration) {
	m.scans.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.scanTime.Observe(duration.Seconds())
	}
}

func (m *Metrics) PreviewStored()  { m.previews.WithLabelValues("stored").Inc() }
func (m *Metrics) PreviewRevoked() { m.previews.WithLabelValues("revoked").Inc() }

func (m *Metrics) SetSessions(n int) { m.sessions.Set(float64(n)) }
