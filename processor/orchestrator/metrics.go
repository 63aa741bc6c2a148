package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// passMetrics holds the prometheus instruments for the pass loop.
type passMetrics struct {
	passes       *prometheus.CounterVec
	conflicts    prometheus.Counter
	escalations  prometheus.Counter
	passDuration prometheus.Histogram
}

// Pass outcome label values.
const (
	outcomeCompleted = "completed"
	outcomeNoOp      = "noop"
	outcomeEscalated = "escalated"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

func newPassMetrics(reg prometheus.Registerer) *passMetrics {
	factory := promauto.With(reg)
	return &passMetrics{
		passes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyline",
			Subsystem: "orchestrator",
			Name:      "passes_total",
			Help:      "Orchestration passes by outcome.",
		}, []string{"outcome"}),
		conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storyline",
			Subsystem: "orchestrator",
			Name:      "store_conflicts_total",
			Help:      "Passes abandoned after exhausting store conflict retries.",
		}),
		escalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "storyline",
			Subsystem: "orchestrator",
			Name:      "escalations_total",
			Help:      "Passes that ended in a manual review escalation.",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "storyline",
			Subsystem: "orchestrator",
			Name:      "pass_duration_seconds",
			Help:      "Wall time of one orchestration pass.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
}
