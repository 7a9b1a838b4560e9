// Package metrics exposes Prometheus instrumentation for the API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the API records. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestsCreated    *prometheus.CounterVec
	RequestsDispatched *prometheus.CounterVec
	CaseFetches        *prometheus.CounterVec
	Events             *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	ActiveSessions     prometheus.Gauge
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nyhetsjeger_requests_created_total",
			Help: "Disclosure requests created, by request type",
		}, []string{"type"}),

		RequestsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nyhetsjeger_requests_dispatched_total",
			Help: "Dispatch attempts by result",
		}, []string{"result"}), // result: "sent", "rejected", "error"

		CaseFetches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nyhetsjeger_case_fetch_total",
			Help: "Case document fetches by result",
		}, []string{"result"}),

		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nyhetsjeger_events_total",
			Help: "Interaction events by action and result",
		}, []string{"action", "result"}), // result: "ok", "duplicate", "dropped", "error"

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nyhetsjeger_http_request_duration_seconds",
			Help:    "HTTP request duration by method, route and status",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "route", "status"}),

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nyhetsjeger_active_sessions",
			Help: "Sessions currently held in memory",
		}),
	}
}

func (m *Metrics) RequestCreated(requestType string) {
	if m != nil {
		m.RequestsCreated.WithLabelValues(requestType).Inc()
	}
}

func (m *Metrics) RequestDispatched(result string) {
	if m != nil {
		m.RequestsDispatched.WithLabelValues(result).Inc()
	}
}

// CaseFetched records the outcome of one case document fetch.
func (m *Metrics) CaseFetched(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.CaseFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) EventRecorded(action, result string) {
	if m != nil {
		m.Events.WithLabelValues(action, result).Inc()
	}
}

// ObserveHTTP records the duration of one HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m != nil {
		m.HTTPDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}
