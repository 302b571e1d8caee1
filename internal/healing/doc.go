// Package healing runs healing sessions: the outer loop that asks a proposer
// for a fix, hands it to an executor, scores the result and lets the circuit
// breaker pair decide whether to retry, promote, roll back or escalate.
//
// A session is a sequential loop; many sessions run concurrently and share
// the pattern store, the per-cluster trend windows and the watchdog. The
// Orchestrator keeps a read-only registry of running and recently finished
// sessions for the HTTP API and the CLI.
package healing
