// Package patterns is the durable memory of fixes that worked.
//
// A success pattern is keyed by (error_code, cluster_id, fix_description).
// Promoting the same fix again bumps its success count and folds the new
// confidence into a running mean; the tier tag is derived from that mean.
//
// Queries fall back from the exact cluster to the error code and finally to
// the error family. Family-level matches are advisory: they give a proposer
// context but are not a prescription.
//
// Two backends implement Store: SQLiteStore for the daemon and MemoryStore
// for tests and ephemeral runs. Both honour the same contract, checked by a
// shared test suite.
package patterns
