package healing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsTotal counts finished sessions.
	// Labels: outcome (PROMOTED, ROLLED_BACK, ESCALATED, ABANDONED)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "healing",
			Name:      "sessions_total",
			Help:      "Total healing sessions by outcome",
		},
		[]string{"outcome"},
	)

	// ActiveSessions is the number of running sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "healerd",
			Subsystem: "healing",
			Name:      "active_sessions",
			Help:      "Number of running healing sessions",
		},
	)

	// AttemptsTotal counts attempts.
	// Labels: executed (true, false)
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "healing",
			Name:      "attempts_total",
			Help:      "Total healing attempts",
		},
		[]string{"executed"},
	)

	// AttemptDuration measures proposer plus executor time per attempt.
	AttemptDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "healerd",
			Subsystem: "healing",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of healing attempts",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	// WatchdogTriggersTotal counts triggered watchdog verdicts.
	// Labels: suspicion (suspicious, danger, extreme)
	WatchdogTriggersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "watchdog",
			Name:      "triggers_total",
			Help:      "Total watchdog triggers by suspicion level",
		},
		[]string{"suspicion"},
	)

	// PromotionsTotal counts fixes recorded as success patterns.
	PromotionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "healerd",
			Subsystem: "patterns",
			Name:      "promotions_total",
			Help:      "Total fixes promoted to success patterns",
		},
	)
)
