// Package metrics defines the Prometheus collectors of the email subsystem.
// Every recording method is safe on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inframate"

// Metrics holds the collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	EmailsSent          *prometheus.CounterVec
	SendDuration        *prometheus.HistogramVec
	SendRetries         *prometheus.CounterVec
	PollRuns            *prometheus.CounterVec
	PollDuration        *prometheus.HistogramVec
	MessagesFetched     *prometheus.CounterVec
	Classifications     *prometheus.CounterVec
	SequenceLockWait    *prometheus.HistogramVec
	SequenceLockFailure *prometheus.CounterVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		EmailsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_sent_total",
			Help:      "Outbound emails by provider and final status",
		}, []string{"provider", "status"}),
		SendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "email_send_duration_seconds",
			Help:      "Time spent in transport Send",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		SendRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_send_retries_total",
			Help:      "Retries of failed outbound emails by outcome",
		}, []string{"outcome"}),
		PollRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_poll_runs_total",
			Help:      "Mailbox polls by provider and outcome",
		}, []string{"provider", "outcome"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "email_poll_duration_seconds",
			Help:      "Duration of one mailbox poll",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		MessagesFetched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_messages_fetched_total",
			Help:      "Inbound messages fetched, split into new and duplicate",
		}, []string{"result"}),
		Classifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "email_classifications_total",
			Help:      "Inbound classification outcomes by stage",
		}, []string{"stage"}),
		SequenceLockWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ticket_sequence_lock_wait_seconds",
			Help:      "Time spent acquiring the per-day ticket sequence lock",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"lock"}),
		SequenceLockFailure: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticket_sequence_lock_failures_total",
			Help:      "Failed per-day ticket sequence lock acquisitions",
		}, []string{"lock"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveSend records one transport send.
func (m *Metrics) ObserveSend(provider, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.EmailsSent.WithLabelValues(provider, status).Inc()
	m.SendDuration.WithLabelValues(provider).Observe(took.Seconds())
}

// ObserveRetry records the outcome of a retry attempt.
func (m *Metrics) ObserveRetry(outcome string) {
	if m == nil {
		return
	}
	m.SendRetries.WithLabelValues(outcome).Inc()
}

// ObservePoll records one mailbox poll.
func (m *Metrics) ObservePoll(provider, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.PollRuns.WithLabelValues(provider, outcome).Inc()
	m.PollDuration.WithLabelValues(provider).Observe(took.Seconds())
}

// ObserveFetched counts fetched messages; duplicate is true for messages
// already in the inbound store.
func (m *Metrics) ObserveFetched(duplicate bool) {
	if m == nil {
		return
	}
	result := "new"
	if duplicate {
		result = "duplicate"
	}
	m.MessagesFetched.WithLabelValues(result).Inc()
}

// ObserveClassification counts a classification by the stage that resolved it.
func (m *Metrics) ObserveClassification(stage string) {
	if m == nil {
		return
	}
	if stage == "" {
		stage = "none"
	}
	m.Classifications.WithLabelValues(stage).Inc()
}

// ObserveSequenceLock matches ticketnumber.WithLockObserver.
func (m *Metrics) ObserveSequenceLock(lock string, waited time.Duration, err error) {
	if m == nil {
		return
	}
	m.SequenceLockWait.WithLabelValues(lock).Observe(waited.Seconds())
	if err != nil {
		m.SequenceLockFailure.WithLabelValues(lock).Inc()
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, status).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
