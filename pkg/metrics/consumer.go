package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConsumerMetrics tracks consumer group acknowledgements.
type ConsumerMetrics struct {
	acked     *prometheus.CounterVec
	failures  *prometheus.CounterVec
	reclaimed *prometheus.CounterVec
}

func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	if reg == nil {
		return &ConsumerMetrics{}
	}
	acked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_consumer_acked_total",
		Help: "Stream entries acknowledged after every handler succeeded.",
	}, []string{"group"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_consumer_handler_failures_total",
		Help: "Handler invocations that failed or panicked.",
	}, []string{"group"})
	reclaimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "courier_consumer_reclaimed_total",
		Help: "Pending entries claimed from idle consumers.",
	}, []string{"group"})
	reg.MustRegister(acked, failures, reclaimed)
	return &ConsumerMetrics{acked: acked, failures: failures, reclaimed: reclaimed}
}

func (m *ConsumerMetrics) AddAcked(group string, n int) {
	if m == nil || m.acked == nil || n <= 0 {
		return
	}
	m.acked.WithLabelValues(normalizeLabel(group)).Add(float64(n))
}

func (m *ConsumerMetrics) AddHandlerFailures(group string, n int) {
	if m == nil || m.failures == nil || n <= 0 {
		return
	}
	m.failures.WithLabelValues(normalizeLabel(group)).Add(float64(n))
}

func (m *ConsumerMetrics) AddReclaimed(group string, n int) {
	if m == nil || m.reclaimed == nil || n <= 0 {
		return
	}
	m.reclaimed.WithLabelValues(normalizeLabel(group)).Add(float64(n))
}
