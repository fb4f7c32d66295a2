package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunnerMetrics records interval runner ticks.
type RunnerMetrics struct {
	duration *prometheus.HistogramVec
	success  *prometheus.CounterVec
	failure  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
}

// NewRunnerMetrics registers the runner metrics on the provided registerer.
func NewRunnerMetrics(reg prometheus.Registerer) *RunnerMetrics {
	if reg == nil {
		return &RunnerMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "courier_runner_tick_duration_seconds",
		Help:    "Duration of runner ticks in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"runner"})
	success := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_runner_tick_success_total",
		Help: "Runner ticks that completed without error.",
	}, []string{"runner"})
	failure := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_runner_tick_failure_total",
		Help: "Runner ticks that returned an error or panicked.",
	}, []string{"runner"})
	skipped := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_runner_tick_skipped_total",
		Help: "Runner ticks skipped because another instance held the lock.",
	}, []string{"runner"})
	reg.MustRegister(duration, success, failure, skipped)
	return &RunnerMetrics{
		duration: duration,
		success:  success,
		failure:  failure,
		skipped:  skipped,
	}
}

// ObserveDuration records the duration of one tick.
func (m *RunnerMetrics) ObserveDuration(runner string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(runner)).Observe(duration.Seconds())
}

func (m *RunnerMetrics) IncSuccess(runner string) {
	if m == nil || m.success == nil {
		return
	}
	m.success.WithLabelValues(normalizeLabel(runner)).Inc()
}

func (m *RunnerMetrics) IncFailure(runner string) {
	if m == nil || m.failure == nil {
		return
	}
	m.failure.WithLabelValues(normalizeLabel(runner)).Inc()
}

func (m *RunnerMetrics) IncSkipped(runner string) {
	if m == nil || m.skipped == nil {
		return
	}
	m.skipped.WithLabelValues(normalizeLabel(runner)).Inc()
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
