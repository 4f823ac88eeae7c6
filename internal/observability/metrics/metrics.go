package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulingMetrics exposes counters, gauges, and histograms for the booking
// pipeline. It implements the observer interfaces of the gateway and session
// packages.
type SchedulingMetrics struct {
	activeSessions   prometheus.Gauge
	sessionsTotal    *prometheus.CounterVec
	intakeRejections prometheus.Counter
	emrAttempts      *prometheus.CounterVec
	bookingOutcomes  *prometheus.CounterVec
	bookingLatency   *prometheus.HistogramVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nightdesk",
			Subsystem: "session",
			Name:      "active",
			Help:      "Live call sessions",
		}),
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nightdesk",
			Subsystem: "session",
			Name:      "ended_total",
			Help:      "Sessions ended, by final dialogue state",
		}, []string{"final_state"}),
		intakeRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nightdesk",
			Subsystem: "session",
			Name:      "intake_rejected_total",
			Help:      "Calls turned away at the concurrency cap",
		}),
		emrAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nightdesk",
			Subsystem: "emr",
			Name:      "write_attempts_total",
			Help:      "EMR appointment write attempts, by outcome",
		}, []string{"outcome"}),
		bookingOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nightdesk",
			Subsystem: "booking",
			Name:      "outcomes_total",
			Help:      "Booking results, by outcome",
		}, []string{"outcome"}),
		bookingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nightdesk",
			Subsystem: "booking",
			Name:      "latency_seconds",
			Help:      "Wall time from first EMR attempt to final booking outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.activeSessions, m.sessionsTotal, m.intakeRejections,
		m.emrAttempts, m.bookingOutcomes, m.bookingLatency,
	)
	return m
}

// SessionStarted implements session.Observer.
func (m *SchedulingMetrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionEnded implements session.Observer.
func (m *SchedulingMetrics) SessionEnded(finalState string) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.sessionsTotal.WithLabelValues(finalState).Inc()
}

// SessionRejected implements session.Observer.
func (m *SchedulingMetrics) SessionRejected() {
	if m == nil {
		return
	}
	m.intakeRejections.Inc()
}

// EMRAttempt implements gateway.Observer.
func (m *SchedulingMetrics) EMRAttempt(outcome string) {
	if m == nil {
		return
	}
	m.emrAttempts.WithLabelValues(outcome).Inc()
}

// BookingOutcome implements gateway.Observer.
func (m *SchedulingMetrics) BookingOutcome(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bookingOutcomes.WithLabelValues(outcome).Inc()
	m.bookingLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
