package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for decision evaluation.
type Metrics struct {
	// Decision outcomes by whether all policies were satisfied
	DecisionOutcome *prometheus.CounterVec

	// Requests that failed before rendering a decision
	DecisionErrors prometheus.Counter

	// Overall evaluation latency including upstream retrieval
	EvaluateLatency prometheus.Histogram
}

// New creates a new Metrics instance with all decision metrics registered.
func New() *Metrics {
	return &Metrics{
		DecisionOutcome: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "verdict_decisions_total",
			Help: "Total rendered decisions by satisfaction",
		}, []string{"satisfied"}),

		DecisionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "verdict_decision_errors_total",
			Help: "Total decision requests that failed before rendering",
		}),

		EvaluateLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "verdict_decision_evaluate_duration_seconds",
			Help:    "Duration of full decision evaluation including upstream queries",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}

// IncrementOutcome records a rendered decision.
func (m *Metrics) IncrementOutcome(satisfied bool) {
	if m != nil {
		m.DecisionOutcome.WithLabelValues(strconv.FormatBool(satisfied)).Inc()
	}
}

// IncrementError records a failed decision request.
func (m *Metrics) IncrementError() {
	if m != nil {
		m.DecisionErrors.Inc()
	}
}

// ObserveEvaluateLatency records the total evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}
