package secrets

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RedactionsTotal counts redactions by rule.
var RedactionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "healerd",
		Subsystem: "secrets",
		Name:      "redactions_total",
		Help:      "Secrets redacted from fix text, by rule.",
	},
	[]string{"rule"},
)
