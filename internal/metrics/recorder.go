package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/sitecreator/internal/domain"
)

// Recorder receives orchestration events worth counting.
type Recorder interface {
	ItemTransition(from, to domain.ItemStatus)
	ItemFinished(status domain.ItemStatus, elapsed time.Duration)
	Retry(site string, kind domain.ErrorKind)
	RateTokensInFlight(n int64)
	JobFinalized(status domain.JobStatus)
	Notification(kind, result string)
	RecoveredItem(action string)
}

// NopRecorder discards everything.
type NopRecorder struct{}

func (NopRecorder) ItemTransition(domain.ItemStatus, domain.ItemStatus) {}
func (NopRecorder) ItemFinished(domain.ItemStatus, time.Duration) {}
func (NopRecorder) Retry(string, domain.ErrorKind) {}
func (NopRecorder) RateTokensInFlight(int64) {}
func (NopRecorder) JobFinalized(domain.JobStatus) {}
func (NopRecorder) Notification(string, string) {}
func (NopRecorder) RecoveredItem(string) {}

// PrometheusRecorder exports orchestration metrics on its own registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	itemTransitions *prometheus.CounterVec
	itemDuration    *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	tokensInFlight  prometheus.Gauge
	jobsFinalized   *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	recovered       *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder with Go runtime and process collectors registered.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &PrometheusRecorder{
		registry: registry,
		itemTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecreator_item_transitions_total",
			Help: "Item state transitions by source and target state.",
		}, []string{"from", "to"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sitecreator_item_duration_seconds",
			Help:    "Time from item creation to its terminal state.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 2700, 5400},
		}, []string{"status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecreator_remote_retries_total",
			Help: "Retried remote calls by call site and error kind.",
		}, []string{"call_site", "kind"}),
		tokensInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sitecreator_rate_tokens_in_flight",
			Help: "Remote calls currently holding a rate token.",
		}),
		jobsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecreator_jobs_finalized_total",
			Help: "Bulk jobs that reached a notification outcome.",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecreator_notifications_total",
			Help: "Notification sends by kind and result.",
		}, []string{"kind", "result"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitecreator_recovered_items_total",
			Help: "Stale items found by the recovery sweep.",
		}, []string{"action"}),
	}

	registry.MustRegister(
		r.itemTransitions,
		r.itemDuration,
		r.retries,
		r.tokensInFlight,
		r.jobsFinalized,
		r.notifications,
		r.recovered,
	)
	return r
}

// Registry returns the underlying registry.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *PrometheusRecorder) ItemTransition(from, to domain.ItemStatus) {
	r.itemTransitions.WithLabelValues(string(from), string(to)).Inc()
}

func (r *PrometheusRecorder) ItemFinished(status domain.ItemStatus, elapsed time.Duration) {
	r.itemDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (r *PrometheusRecorder) Retry(site string, kind domain.ErrorKind) {
	r.retries.WithLabelValues(site, string(kind)).Inc()
}

func (r *PrometheusRecorder) RateTokensInFlight(n int64) {
	r.tokensInFlight.Set(float64(n))
}

func (r *PrometheusRecorder) JobFinalized(status domain.JobStatus) {
	r.jobsFinalized.WithLabelValues(string(status)).Inc()
}

func (r *PrometheusRecorder) Notification(kind, result string) {
	r.notifications.WithLabelValues(kind, result).Inc()
}

func (r *PrometheusRecorder) RecoveredItem(action string) {
	r.recovered.WithLabelValues(action).Inc()
}
