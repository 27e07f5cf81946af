// Package metrics defines the Prometheus instruments the server exports.
package metrics

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/delipucash/server/internal/apperr"
	"github.com/delipucash/server/internal/model"
)

const namespace = "delipucash"

type Metrics struct {
	registry *prometheus.Registry

	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	Submissions     *prometheus.CounterVec
	Payouts         *prometheus.CounterVec
	PayoutDuration  *prometheus.HistogramVec
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	WebsocketDrops  prometheus.Counter
	Reconciled      *prometheus.CounterVec
}

// New registers every instrument on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestCounter: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		RequestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Number of HTTP requests currently being served",
		}),
		Submissions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "answer_submissions_total",
				Help:      "Answer submissions by outcome",
			},
			[]string{"outcome"},
		),
		Payouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payouts_total",
				Help:      "Winner disbursements by provider and final status",
			},
			[]string{"provider", "status"},
		),
		PayoutDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "payout_duration_seconds",
				Help:      "Time from initiation to terminal status",
				Buckets:   []float64{1, 3, 6, 10, 15, 20, 30, 45, 60},
			},
			[]string{"provider"},
		),
		ProviderCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Outbound mobile-money API calls",
			},
			[]string{"provider", "call", "result"},
		),
		ProviderLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "call_duration_seconds",
				Help:      "Outbound mobile-money API latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider", "call"},
		),
		WebsocketDrops: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because a client buffer was full",
		}),
		Reconciled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciled_total",
				Help:      "Records changed by the background reconciler",
			},
			[]string{"task"},
		),
	}
}

// WatchDB exports connection pool statistics for db.
func (m *Metrics) WatchDB(db *sql.DB) {
	m.registry.MustRegister(collectors.NewDBStatsCollector(db, "delipucash"))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveProviderCall matches momo.Observer.
func (m *Metrics) ObserveProviderCall(provider model.Provider, call string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
		var pe *apperr.ProviderError
		if errors.As(err, &pe) && pe.StatusCode == 0 {
			result = "network_error"
		}
	}
	m.ProviderCalls.WithLabelValues(string(provider), call, result).Inc()
	m.ProviderLatency.WithLabelValues(string(provider), call).Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePayout(provider model.Provider, status model.PaymentStatus, elapsed time.Duration) {
	m.Payouts.WithLabelValues(string(provider), string(status)).Inc()
	m.PayoutDuration.WithLabelValues(string(provider)).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveSubmission(outcome string) {
	m.Submissions.WithLabelValues(outcome).Inc()
}

// ObserveReconciled counts records changed by a reconciler task.
func (m *Metrics) ObserveReconciled(task string, n int) {
	m.Reconciled.WithLabelValues(task).Add(float64(n))
}
