package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Export results recorded by ObserveExport.
const (
	ExportSucceeded = "success"
	ExportFailed    = "failure"
)

// Metrics holds Prometheus counters and gauges for the snipper service.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           prometheus.Counter
	errorsTotal             prometheus.Counter
	projectsCreatedTotal    prometheus.Counter
	acquisitionsStarted     prometheus.Counter
	acquisitionsCompleted   prometheus.Counter
	acquisitionsFailed      prometheus.Counter
	staleLocksReclaimed     prometheus.Counter
	activeStreams           prometheus.Gauge
	queuedJobs              prometheus.Gauge
	exportsTotal            *prometheus.CounterVec
	exportDurationHistogram prometheus.Histogram
}

// New creates and registers Prometheus metrics for the service.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipper_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipper_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		projectsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipper_projects_created_total",
			Help: "Total number of projects created",
		}),
		acquisitionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipper_acquisitions_started_total",
			Help: "Total number of acquisition jobs submitted",
		}),
		acquisitionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipper_acquisitions_completed_total",
			Help: "Total number of acquisition jobs that stored their media",
		}),
		acquisitionsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipper_acquisitions_failed_total",
			Help: "Total number of acquisition jobs that ended with an error event",
		}),
		staleLocksReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snipper_stale_locks_reclaimed_total",
			Help: "Total number of abandoned acquisition locks force-cleared",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snipper_active_streams",
			Help: "Number of connected progress stream clients",
		}),
		queuedJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snipper_queued_jobs",
			Help: "Number of acquisition jobs waiting for a worker",
		}),
		exportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snipper_exports_total",
			Help: "Total number of export attempts by result",
		}, []string{"result"}),
		exportDurationHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snipper_export_duration_seconds",
			Help:    "Wall time of transcoder runs for exports",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.projectsCreatedTotal,
		m.acquisitionsStarted,
		m.acquisitionsCompleted,
		m.acquisitionsFailed,
		m.staleLocksReclaimed,
		m.activeStreams,
		m.queuedJobs,
		m.exportsTotal,
		m.exportDurationHistogram,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

func (m *Metrics) IncProjectsCreated() {
	m.projectsCreatedTotal.Inc()
}

func (m *Metrics) IncAcquisitionsStarted() {
	m.acquisitionsStarted.Inc()
}

func (m *Metrics) IncAcquisitionsCompleted() {
	m.acquisitionsCompleted.Inc()
}

func (m *Metrics) IncAcquisitionsFailed() {
	m.acquisitionsFailed.Inc()
}

func (m *Metrics) IncStaleLocksReclaimed() {
	m.staleLocksReclaimed.Inc()
}

// StreamOpened and StreamClosed track connected progress clients.
func (m *Metrics) StreamOpened() {
	m.activeStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	m.activeStreams.Dec()
}

// SetQueuedJobs sets the queued jobs gauge.
func (m *Metrics) SetQueuedJobs(n int) {
	m.queuedJobs.Set(float64(n))
}

// ObserveExport records one export attempt and, for transcoder runs, its duration.
func (m *Metrics) ObserveExport(result string, seconds float64) {
	m.exportsTotal.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.exportDurationHistogram.Observe(seconds)
	}
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. queued jobs).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
