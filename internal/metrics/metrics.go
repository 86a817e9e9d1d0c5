package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatch collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	EmailsSent    prometheus.Counter
	EmailFailures prometheus.Counter
	RunsFinalized *prometheus.CounterVec
	RunDuration   prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EmailsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "emails_sent_total",
				Help: "Total emails sent",
			},
		),

		EmailFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "email_failures_total",
				Help: "Total failed emails",
			},
		),

		RunsFinalized: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "send_runs_finalized_total",
				Help: "Send runs reaching a terminal status",
			},
			[]string{"status"},
		),

		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "send_run_duration_seconds",
				Help:    "Wall time of one run execution",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
		),
	}

	reg.MustRegister(m.EmailsSent, m.EmailFailures, m.RunsFinalized, m.RunDuration)
	return m
}

func (m *Metrics) Delivered(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.EmailsSent.Inc()
		return
	}
	m.EmailFailures.Inc()
}

func (m *Metrics) Finalized(status string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsFinalized.WithLabelValues(status).Inc()
	if seconds > 0 {
		m.RunDuration.Observe(seconds)
	}
}
