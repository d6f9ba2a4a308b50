package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "weather_alerts"

// Metrics holds the Prometheus collectors for the evaluation pipeline.
type Metrics struct {
	// Engine
	Evaluations *prometheus.CounterVec // labels: mode={one,all,forecast}, outcome={triggered,not_triggered,error,skipped}
	Transitions *prometheus.CounterVec // labels: to={TRIGGERED,NOT_TRIGGERED,ERROR}
	BatchAlerts prometheus.Histogram

	// Weather gateway
	CacheLookups     *prometheus.CounterVec   // labels: kind={current,forecast,last_known}, result={hit,miss}
	UpstreamRequests *prometheus.CounterVec   // labels: kind={current,forecast}, outcome={success,error}
	UpstreamDuration *prometheus.HistogramVec // labels: kind
	BatchLocations   prometheus.Histogram

	// Job queue
	Jobs        *prometheus.CounterVec   // labels: kind, result={completed,retried,failed}
	JobDuration *prometheus.HistogramVec // labels: kind

	// Notifications
	NotificationsPublished *prometheus.CounterVec // labels: type
	NotificationsDropped   *prometheus.CounterVec // labels: sink={hub,transport}
	Subscribers            prometheus.Gauge

	// HTTP
	HTTPRequests *prometheus.CounterVec   // labels: method, route, status
	HTTPDuration *prometheus.HistogramVec // labels: method, route
	Webhooks     *prometheus.CounterVec   // labels: event, result={matched,ignored,rejected}
}

// New creates and registers all metrics with the default Prometheus registry.
func New() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewForTesting creates unregistered metrics so tests can build as many
// instances as they like.
func NewForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Alert evaluations by entry point and outcome.",
		}, []string{"mode", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Alert status transitions by target status.",
		}, []string{"to"}),
		BatchAlerts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_alerts",
			Help:      "Active alerts considered per bulk evaluation.",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000},
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_cache_lookups_total",
			Help:      "Weather cache lookups by kind and result.",
		}, []string{"kind", "result"}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weather_upstream_requests_total",
			Help:      "Weather provider requests by kind and outcome.",
		}, []string{"kind", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weather_upstream_duration_seconds",
			Help:      "Weather provider request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		BatchLocations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "weather_batch_locations",
			Help:      "Distinct locations per batched fetch.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Processed queue jobs by kind and result.",
		}, []string{"kind", "result"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Queue job handler duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"kind"}),
		NotificationsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Alert notifications published by event type.",
		}, []string{"type"}),
		NotificationsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a buffer was full.",
		}, []string{"sink"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notification_subscribers",
			Help:      "Live notification subscribers.",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Provider webhook deliveries by event type and result.",
		}, []string{"event", "result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Evaluations,
		m.Transitions,
		m.BatchAlerts,
		m.CacheLookups,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.BatchLocations,
		m.Jobs,
		m.JobDuration,
		m.NotificationsPublished,
		m.NotificationsDropped,
		m.Subscribers,
		m.HTTPRequests,
		m.HTTPDuration,
		m.Webhooks,
	}
}
