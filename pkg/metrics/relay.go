package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics counts outbox rows moved to the broker.
type RelayMetrics struct {
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		return &RelayMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_outbox_published_total",
		Help: "Outbox messages published and marked.",
	}, []string{"stream"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_outbox_publish_failures_total",
		Help: "Relay ticks whose chunk was rolled back.",
	}, []string{"stream"})
	reg.MustRegister(published, failures)
	return &RelayMetrics{published: published, failures: failures}
}

func (m *RelayMetrics) AddPublished(stream string, n int) {
	if m == nil || m.published == nil || n <= 0 {
		return
	}
	m.published.WithLabelValues(normalizeLabel(stream)).Add(float64(n))
}

func (m *RelayMetrics) IncFailure(stream string) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(stream)).Inc()
}
