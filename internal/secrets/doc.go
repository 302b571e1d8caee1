// Package secrets redacts credentials from fix text before it leaves a
// healing session.
//
// Proposers see the code they repair, and the fixes they return sometimes
// carry API keys, tokens or connection strings lifted from that code. The
// pattern store keeps fix descriptions and diffs indefinitely, so the
// orchestrator passes both through a Scrubber before recording a promotion.
// Findings keep the rule ID and position but never the matched text.
package secrets
