package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the decision-change pipeline.
type Metrics struct {
	// Events consumed from the result/waiver topics
	EventsConsumed *prometheus.CounterVec

	// Recomputed decisions by outcome of the change comparison
	DecisionChanged   prometheus.Counter
	DecisionUnchanged prometheus.Counter
	DecisionFailed    prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
// registered.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "verdict_notify_events_consumed_total",
			Help: "Total events consumed from upstream topics",
		}, []string{"topic"}),

		DecisionChanged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verdict_notify_decision_changed_total",
			Help: "Total recomputed decisions that differed and were published",
		}),

		DecisionUnchanged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verdict_notify_decision_unchanged_total",
			Help: "Total recomputed decisions that did not differ",
		}),

		DecisionFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verdict_notify_decision_failed_total",
			Help: "Total events whose decision recomputation failed",
		}),
	}
}

// IncrementConsumed records one consumed event.
func (m *Metrics) IncrementConsumed(topic string) {
	if m != nil {
		m.EventsConsumed.WithLabelValues(topic).Inc()
	}
}

// IncrementChanged records a published decision change.
func (m *Metrics) IncrementChanged() {
	if m != nil {
		m.DecisionChanged.Inc()
	}
}

// IncrementUnchanged records a recomputation with no change.
func (m *Metrics) IncrementUnchanged() {
	if m != nil {
		m.DecisionUnchanged.Inc()
	}
}

// IncrementFailed records a failed recomputation.
func (m *Metrics) IncrementFailed() {
	if m != nil {
		m.DecisionFailed.Inc()
	}
}
