package aggregation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceHandel  = "handel"
	subsystemSession = "session"
)

// Outcomes of a received contribution. Accepted contributions improved their
// level, discarded ones verified but brought nothing new.
const (
	outcomeAccepted  = "accepted"
	outcomeDiscarded = "discarded"
	outcomeInvalid   = "invalid"
	outcomeRejected  = "rejected"
	outcomeCorrupted = "corrupted"
)

// Metrics collects session counters.
type Metrics struct {
	contributions *prometheus.CounterVec // contributions counts received contributions by outcome
	bestLevel     *prometheus.GaugeVec   // bestLevel is the highest improved level per node
	weight        *prometheus.GaugeVec   // weight is the weight of the current result per node
}

// NewMetrics registers session metrics on reg.
// A nil reg creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		contributions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceHandel,
			Subsystem: subsystemSession,
			Name:      "contributions_total",
			Help:      "the number of contributions received, by outcome",
		}, []string{"outcome"}),
		bestLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceHandel,
			Subsystem: subsystemSession,
			Name:      "best_level",
			Help:      "the highest level whose best contribution improved",
		}, []string{"node"}),
		weight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespaceHandel,
			Subsystem: subsystemSession,
			Name:      "result_weight",
			Help:      "the weight covered by the combined result",
		}, []string{"node"}),
	}
}

// observe records the outcome of one contribution.
func (m *Metrics) observe(outcome string) {
	if m == nil {
		return
	}

	m.contributions.WithLabelValues(outcome).Inc()
}

// progress records the state of node after an accepted contribution.
func (m *Metrics) progress(node string, bestLevel int, weight uint64) {
	if m == nil {
		return
	}

	m.bestLevel.WithLabelValues(node).Set(float64(bestLevel))
	m.weight.WithLabelValues(node).Set(float64(weight))
}
