// Package breaker implements the trend-aware circuit breaker that decides
// what a healing session does after each attempt.
//
// Unlike a classic request breaker that counts failures, this breaker looks
// at the shape of the error count series: an attempt that removes errors is
// progress even while the error rate is still above budget. Each session
// runs two breakers, one per error kind (structural and semantic), combined
// by a Pair.
//
// State machine:
//
//	CLOSED --soft strike--> DEGRADED --Admit after backoff--> RECOVERY
//	RECOVERY --2 improvements--> CLOSED
//	RECOVERY --no improvement--> DEGRADED (backoff x2)
//	RECOVERY --failed cycles exhausted--> PERMANENTLY_OPEN
//	any --hard strike--> OPEN
//	DEGRADED --soft strike--> OPEN
//
// The first two executed attempts are a grace period: the breaker may
// PROMOTE but never emits ROLLBACK or STOP and never changes state.
package breaker
