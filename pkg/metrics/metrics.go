package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the gateway exports
var Registry = prometheus.NewRegistry()

var (
	PollTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fwgw_poll_total",
		Help: "Source polls by vendor and outcome",
	}, []string{"vendor", "outcome"})

	PollDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fwgw_poll_duration_seconds",
		Help:    "Time spent fetching and processing one source",
		Buckets: prometheus.DefBuckets,
	}, []string{"vendor"})

	SamplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fwgw_samples_total",
		Help: "Normalized samples written to history",
	}, []string{"kind"})

	NormalizationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fwgw_normalization_errors_total",
		Help: "Samples that could not be normalized",
	}, []string{"vendor"})

	AlertsRaised = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fwgw_alerts_raised_total",
		Help: "New alerts created",
	}, []string{"type", "severity"})

	AlertTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fwgw_alert_transitions_total",
		Help: "Alert history rows written, by action",
	}, []string{"action"})

	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fwgw_notifications_total",
		Help: "Notification attempts by outcome",
	}, []string{"outcome"})

	Remediations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fwgw_remediation_total",
		Help: "Remediation actions by action and outcome",
	}, []string{"action", "outcome"})

	HistoryCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fwgw_history_cache_total",
		Help: "History aggregate cache lookups",
	}, []string{"result"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		PollTotal,
		PollDuration,
		SamplesTotal,
		NormalizationErrors,
		AlertsRaised,
		AlertTransitions,
		Notifications,
		Remediations,
		HistoryCache,
	)
}

// Handler serves the registry in the Prometheus exposition format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
