package confidence

import (
	"math"
	"sync"
)

// CalibrationBuckets is the number of equal-width reliability buckets.
const CalibrationBuckets = 10

// Bucket is one row of the reliability table.
type Bucket struct {
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	Count         int     `json:"count"`
	MeanPredicted float64 `json:"mean_predicted"`
	ObservedRate  float64 `json:"observed_rate"`
}

// CalibrationLedger compares predicted confidence with realized promotions.
type CalibrationLedger struct {
	mu        sync.Mutex
	counts    [CalibrationBuckets]int
	predicted [CalibrationBuckets]float64
	promoted  [CalibrationBuckets]int
}

// NewCalibrationLedger creates an empty ledger.
func NewCalibrationLedger() *CalibrationLedger {
	return &CalibrationLedger{}
}

// Observe records a score and whether the session was promoted.
func (l *CalibrationLedger) Observe(score float64, promoted bool) {
	score = clamp01(score)
	i := int(score * CalibrationBuckets)
	if i == CalibrationBuckets {
		i--
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts[i]++
	l.predicted[i] += score
	if promoted {
		l.promoted[i]++
	}
}

// Reliability returns the non-empty buckets.
func (l *CalibrationLedger) Reliability() []Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Bucket
	for i := 0; i < CalibrationBuckets; i++ {
		if l.counts[i] == 0 {
			continue
		}
		n := float64(l.counts[i])
		out = append(out, Bucket{
			Lower:         float64(i) / CalibrationBuckets,
			Upper:         float64(i+1) / CalibrationBuckets,
			Count:         l.counts[i],
			MeanPredicted: l.predicted[i] / n,
			ObservedRate:  float64(l.promoted[i]) / n,
		})
	}
	return out
}

// ExpectedCalibrationError is the count-weighted mean gap between predicted
// and observed rates. Zero for an empty ledger.
func (l *CalibrationLedger) ExpectedCalibrationError() float64 {
	buckets := l.Reliability()
	total := 0
	for _, b := range buckets {
		total += b.Count
	}
	if total == 0 {
		return 0
	}
	var ece float64
	for _, b := range buckets {
		ece += float64(b.Count) / float64(total) * math.Abs(b.MeanPredicted-b.ObservedRate)
	}
	return ece
}
