// Package confidence turns model, historical and structural signals into a
// single calibrated confidence score for a proposed fix.
//
// The historical component is the posterior mean of a Beta(1,1) prior
// updated with the promotion/failure counters of the error cluster:
//
//	rate = (successes + 1) / (successes + failures + 2)
//
// With no history the rate is exactly 0.5. Its weight in the base score
// grows with the sample count n as w·n/(n+2), so the prior alone carries
// none. The complexity penalty scales
// the weighted base score down for hard problems but never below 0.1.
//
// Every Score carries its raw ingredients so that weights and temperature
// can be recalibrated offline against the CalibrationLedger.
package confidence
