package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the dispatch service
type Metrics struct {
	// Task distribution metrics
	TasksAssigned     prometheus.Counter
	NoCandidate       prometheus.Counter
	ActiveLeases      prometheus.Gauge
	LeasesReclaimed   prometheus.Counter
	CandidatePoolSize prometheus.Gauge

	// Result ingestion metrics
	ResultsCommitted     prometheus.Counter
	FailuresRecorded     prometheus.Counter
	DuplicateSubmissions prometheus.Counter
	UnknownSubmissions   prometheus.Counter
	AudioMinutesDone     prometheus.Histogram
	ProcessingTime       prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Task distribution metrics
		TasksAssigned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_tasks_assigned_total",
			Help: "Total number of tasks leased to workers",
		}),
		NoCandidate: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_no_candidate_total",
			Help: "Total number of task requests answered with an empty pool",
		}),
		ActiveLeases: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_active_leases",
			Help: "Current number of unexpired leases",
		}),
		LeasesReclaimed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_leases_reclaimed_total",
			Help: "Total number of leases reclaimed after TTL expiry",
		}),
		CandidatePoolSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_candidate_pool_size",
			Help: "Files in the corpus without a terminal ledger record or active lease",
		}),

		// Result ingestion metrics
		ResultsCommitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_results_committed_total",
			Help: "Total number of success reports committed to the ledger",
		}),
		FailuresRecorded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_failures_recorded_total",
			Help: "Total number of failure reports committed to the ledger",
		}),
		DuplicateSubmissions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_duplicate_submissions_total",
			Help: "Total number of submissions absorbed as idempotent no-ops",
		}),
		UnknownSubmissions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_unknown_submissions_total",
			Help: "Total number of submissions rejected for an unknown file_id",
		}),
		AudioMinutesDone: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_audio_minutes_committed",
			Help:    "Audio minutes per committed result",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1 minute to ~17 hours
		}),
		ProcessingTime: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_processing_duration_seconds",
			Help:    "Reported wall-clock processing time per committed result",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12), // 10s to ~11 hours
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_http_errors_total",
			Help: "Total number of HTTP error responses",
		}, []string{"method", "endpoint", "type"}),
	}
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, status string, duration float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordHTTPError records an HTTP error response
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
