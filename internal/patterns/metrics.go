package patterns

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsTotal counts successful Record calls.
	// Labels: tier (GOLD_STANDARD, HIGH_CONFIDENCE, VERIFIED)
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "patterns",
			Name:      "records_total",
			Help:      "Total number of promoted fixes recorded, by resulting tier",
		},
		[]string{"tier"},
	)

	// QueryMatchesTotal counts matches returned by Query.
	// Labels: level (cluster, error_code, family)
	QueryMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "patterns",
			Name:      "query_matches_total",
			Help:      "Total number of pattern matches returned, by cascade level",
		},
		[]string{"level"},
	)

	// GCDeletedTotal counts patterns removed by garbage collection.
	// Labels: strategy (conservative, aggressive, nuclear)
	GCDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "patterns",
			Name:      "gc_deleted_total",
			Help:      "Total number of patterns deleted by garbage collection",
		},
		[]string{"strategy"},
	)

	// GCRunsTotal counts garbage collection runs.
	// Labels: strategy, trigger (schedule, threshold, manual), result (success, error)
	GCRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "patterns",
			Name:      "gc_runs_total",
			Help:      "Total number of garbage collection runs",
		},
		[]string{"strategy", "trigger", "result"},
	)

	// PatternsStored is the pattern count seen by the last scheduler check.
	PatternsStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "healerd",
			Subsystem: "patterns",
			Name:      "stored",
			Help:      "Number of stored success patterns at the last scheduler check",
		},
	)
)

func observeQuery(matches []Match) {
	for _, m := range matches {
		QueryMatchesTotal.WithLabelValues(string(m.Level)).Inc()
	}
}

func observeCollect(res GCResult) {
	if res.Deleted > 0 {
		GCDeletedTotal.WithLabelValues(string(res.Strategy)).Add(float64(res.Deleted))
	}
}
