// Package metrics exposes the process's Prometheus collectors. It holds
// no reference to the packages it instruments — the scheduler, health
// tracker, and proxy front-end each accept a *Metrics via a SetMetrics
// setter and call it directly. Registration is conditional on
// config.TraceConfig's enable_health_metrics/enable_performance_metrics
// flags, decided by the caller in cmd/proxy, not by this package.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the proxy registers, namespaced
// "aiproxy".
type Metrics struct {
	CredentialHealth    *prometheus.GaugeVec
	SchedulerSelections *prometheus.CounterVec
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	QuotaRejections     *prometheus.CounterVec
}

// NewMetrics builds and registers the collector set against reg. The
// caller owns the registry's lifecycle (typically a fresh
// prometheus.NewRegistry() per process, exposed at GET /metrics).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CredentialHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aiproxy",
			Name:      "credential_health_status",
			Help:      "Current health status of a credential (0=healthy, 1=rate_limited, 2=unhealthy).",
		}, []string{"key_id", "provider_type_id"}),

		SchedulerSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiproxy",
			Name:      "scheduler_selections_total",
			Help:      "Total credential selections made by the scheduler, by strategy.",
		}, []string{"strategy"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiproxy",
			Name:      "proxy_requests_total",
			Help:      "Total proxied requests by provider type and final status.",
		}, []string{"provider_type", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aiproxy",
			Name:      "proxy_request_duration_seconds",
			Help:      "End-to-end proxied request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider_type"}),

		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aiproxy",
			Name:      "quota_rejections_total",
			Help:      "Total requests rejected for exceeding a quota, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.CredentialHealth,
		m.SchedulerSelections,
		m.RequestsTotal,
		m.RequestDuration,
		m.QuotaRejections,
	)

	return m
}

// RegisterTraceQueueDropped wires the trace writer's monotonic drop
// counter into reg. It takes a read function rather than the writer
// itself so this package never imports internal/trace.
func RegisterTraceQueueDropped(reg prometheus.Registerer, read func() float64) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "aiproxy",
		Name:      "trace_queue_dropped_total",
		Help:      "Total trace records discarded because the writer's queue was full.",
	}, read))
}

// HealthStatusValue maps a health status name to the numeric value the
// CredentialHealth gauge stores, since Prometheus gauges carry floats,
// not the domain package's string enum.
func HealthStatusValue(status string) float64 {
	switch status {
	case "healthy":
		return 0
	case "rate_limited":
		return 1
	case "unhealthy":
		return 2
	default:
		return -1
	}
}
