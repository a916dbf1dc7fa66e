package handshake

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "wshandshake"

// Metrics holds the prometheus collectors updated by managers. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Attempts        *prometheus.CounterVec
	Duration        prometheus.Histogram
	DeadlineExpired prometheus.Counter
	StepsStarted    *prometheus.CounterVec
}

// NewMetrics creates the handshake collectors and registers them with reg,
// if reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "attempts_total",
			Help:      "Number of completed handshake attempts by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "duration_seconds",
			Help:      "Time from DoHandshake to the final callback.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}),
		DeadlineExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deadline_expired_total",
			Help:      "Number of attempts whose deadline fired before completion.",
		}),
		StepsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "steps_started_total",
			Help:      "Number of handshaker starts by handshaker.",
		}, []string{"step"}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Duration, m.DeadlineExpired, m.StepsStarted)
	}
	return m
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline"
	case errors.Is(err, ErrHandshakeShutdown):
		return "shutdown"
	default:
		return "error"
	}
}

func (m *Metrics) observeDone(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(resultLabel(err)).Inc()
	m.Duration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeDeadline() {
	if m == nil {
		return
	}
	m.DeadlineExpired.Inc()
}

func (m *Metrics) observeStart(step string) {
	if m == nil {
		return
	}
	m.StepsStarted.WithLabelValues(step).Inc()
}
