package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DecisionsTotal counts non-abstaining decisions.
	// Labels: kind (structural, semantic), decision (RETRY, PROMOTE, ROLLBACK, STOP)
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "breaker",
			Name:      "decisions_total",
			Help:      "Total breaker decisions by kind and decision",
		},
		[]string{"kind", "decision"},
	)

	// TransitionsTotal counts state changes.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total breaker state transitions",
		},
		[]string{"kind", "from", "to"},
	)

	// StrikesTotal counts soft and hard strikes.
	StrikesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "breaker",
			Name:      "strikes_total",
			Help:      "Total breaker strikes by kind and severity",
		},
		[]string{"kind", "strike"},
	)
)
