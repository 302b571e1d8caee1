package patterns

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
)

const instrumentationName = "github.com/fyrsmithlabs/healerd/internal/patterns"

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

const patternColumns = `id, error_code, cluster_id, family, fix_description, fix_diff,
	success_count, avg_confidence, tier, created_at, last_success_at`

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	tracer trace.Tracer

	// writeMu serializes upserts and collections; each runs in one transaction.
	writeMu sync.Mutex
	entropy *ulid.MonotonicEntropy

	mu     sync.RWMutex
	closed bool
}

// OpenSQLite opens (creating if needed) the pattern database at path and
// migrates it to CurrentSchemaVersion.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyWALMode(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0600)

	return newSQLiteStore(db, opts...), nil
}

// newSQLiteStore wraps an already migrated database.
func newSQLiteStore(db *sql.DB, opts ...Option) *SQLiteStore {
	return &SQLiteStore{
		db:      db,
		opts:    buildOptions(opts),
		tracer:  otel.Tracer(instrumentationName),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func migrate(ctx context.Context, db *sql.DB) error {
	version, err := GetUserVersion(ctx, db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: initial schema
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS success_patterns (
		  id              TEXT PRIMARY KEY,
		  error_code      TEXT NOT NULL,
		  cluster_id      TEXT NOT NULL,
		  family          TEXT NOT NULL,
		  fix_description TEXT NOT NULL,
		  fix_diff        TEXT NOT NULL DEFAULT '',
		  success_count   INTEGER NOT NULL CHECK (success_count >= 1),
		  avg_confidence  REAL NOT NULL,
		  tier            TEXT NOT NULL,
		  created_at      INTEGER NOT NULL,
		  last_success_at INTEGER NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_patterns_triple
		ON success_patterns(error_code, cluster_id, fix_description);

		CREATE INDEX IF NOT EXISTS idx_patterns_cluster ON success_patterns(cluster_id);
		CREATE INDEX IF NOT EXISTS idx_patterns_error_code ON success_patterns(error_code);
		CREATE INDEX IF NOT EXISTS idx_patterns_family ON success_patterns(family);
		CREATE INDEX IF NOT EXISTS idx_patterns_gc ON success_patterns(success_count, last_success_at);

		CREATE TABLE IF NOT EXISTS cluster_outcomes (
		  error_code TEXT NOT NULL,
		  cluster_id TEXT NOT NULL,
		  successes  INTEGER NOT NULL DEFAULT 0,
		  failures   INTEGER NOT NULL DEFAULT 0,
		  updated_at INTEGER NOT NULL,
		  PRIMARY KEY (error_code, cluster_id)
		);
		`
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(ctx, db, 1); err != nil {
			return err
		}
	}

	return nil
}

func verifyWALMode(ctx context.Context, db *sql.DB) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the schema version stored in the user_version pragma.
func GetUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the user_version pragma.
func SetUserVersion(ctx context.Context, db *sql.DB, version int) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, p Promotion) (Pattern, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("error_code", p.ErrorCode),
		attribute.String("cluster_id", p.ClusterID),
		attribute.Float64("confidence", p.Confidence),
	)

	if err := s.checkOpen(); err != nil {
		return Pattern{}, err
	}
	if err := p.validate(); err != nil {
		return Pattern{}, err
	}
	at := p.At
	if at.IsZero() {
		at = s.opts.now()
	}
	at = normalizeTimestamp(at)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Pattern{}, spanError(span, fmt.Errorf("begin record: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM success_patterns
		 WHERE error_code = ? AND cluster_id = ? AND fix_description = ?`,
		p.ErrorCode, p.ClusterID, p.FixDescription)
	pat, err := scanPattern(row)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		pat = Pattern{
			ID:             ulid.MustNew(ulid.Timestamp(at), s.entropy).String(),
			ErrorCode:      p.ErrorCode,
			ClusterID:      p.ClusterID,
			Family:         envelope.Family(p.ErrorCode),
			FixDescription: p.FixDescription,
			FixDiff:        p.FixDiff,
			SuccessCount:   1,
			AvgConfidence:  p.Confidence,
			Tier:           TierFor(p.Confidence),
			CreatedAt:      at,
			LastSuccessAt:  at,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO success_patterns (`+patternColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pat.ID, pat.ErrorCode, pat.ClusterID, pat.Family, pat.FixDescription, pat.FixDiff,
			pat.SuccessCount, pat.AvgConfidence, string(pat.Tier),
			pat.CreatedAt.UnixMilli(), pat.LastSuccessAt.UnixMilli())
		if err != nil {
			return Pattern{}, spanError(span, fmt.Errorf("insert pattern: %w", err))
		}
	case err != nil:
		return Pattern{}, spanError(span, fmt.Errorf("lookup pattern: %w", err))
	default:
		pat.AvgConfidence = runningMean(pat.AvgConfidence, pat.SuccessCount, p.Confidence)
		pat.SuccessCount++
		pat.Tier = TierFor(pat.AvgConfidence)
		pat.LastSuccessAt = at
		if p.FixDiff != "" {
			pat.FixDiff = p.FixDiff
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE success_patterns
			 SET success_count = ?, avg_confidence = ?, tier = ?, last_success_at = ?, fix_diff = ?
			 WHERE id = ?`,
			pat.SuccessCount, pat.AvgConfidence, string(pat.Tier), pat.LastSuccessAt.UnixMilli(), pat.FixDiff, pat.ID)
		if err != nil {
			return Pattern{}, spanError(span, fmt.Errorf("update pattern: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return Pattern{}, spanError(span, fmt.Errorf("commit record: %w", err))
	}

	RecordsTotal.WithLabelValues(string(pat.Tier)).Inc()
	span.SetAttributes(
		attribute.String("pattern_id", pat.ID),
		attribute.Int("success_count", pat.SuccessCount),
		attribute.String("tier", string(pat.Tier)),
	)
	s.opts.logger.Debug("pattern recorded",
		zap.String("id", pat.ID),
		zap.String("cluster_id", pat.ClusterID),
		zap.Int("success_count", pat.SuccessCount),
		zap.String("tier", string(pat.Tier)),
	)
	return pat, nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Match, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.query")
	defer span.End()
	span.SetAttributes(
		attribute.String("error_code", q.ErrorCode),
		attribute.String("cluster_id", q.ClusterID),
	)

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	limit := q.limit()
	seen := make(map[string]bool)
	var out []Match

	levels := []struct {
		level  Level
		column string
		value  string
	}{
		{LevelCluster, "cluster_id", q.ClusterID},
		{LevelErrorCode, "error_code", q.ErrorCode},
		{LevelFamily, "family", q.family()},
	}
	for _, lv := range levels {
		if len(out) >= limit {
			break
		}
		if lv.value == "" {
			continue
		}
		// Over-fetch by the number already returned so dedupe cannot starve the level.
		found, err := s.queryLevel(ctx, lv.column, lv.value, limit-len(out)+len(seen))
		if err != nil {
			return nil, spanError(span, err)
		}
		for _, p := range found {
			if len(out) >= limit {
				break
			}
			if seen[p.ID] {
				continue
			}
			seen[p.ID] = true
			out = append(out, Match{Pattern: p, Level: lv.level, Advisory: lv.level == LevelFamily})
		}
	}

	observeQuery(out)
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// queryLevel is only ever called with a column name from Query's fixed list.
func (s *SQLiteStore) queryLevel(ctx context.Context, column, value string, limit int) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM success_patterns
		 WHERE `+column+` = ?
		 ORDER BY success_count DESC, avg_confidence DESC, last_success_at DESC, id ASC
		 LIMIT ?`, value, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", column, err)
	}
	defer rows.Close()
	return scanPatterns(rows)
}

// Collect implements Store.
func (s *SQLiteStore) Collect(ctx context.Context, strategy Strategy, dryRun bool) (GCResult, error) {
	ctx, span := s.tracer.Start(ctx, "patterns.collect")
	defer span.End()
	span.SetAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.Bool("dry_run", dryRun),
	)

	policy, err := PolicyFor(strategy)
	if err != nil {
		return GCResult{}, err
	}
	if err := s.checkOpen(); err != nil {
		return GCResult{}, err
	}
	cutoff := s.opts.now().Add(-policy.MinAge).UnixMilli()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return GCResult{}, spanError(span, fmt.Errorf("begin collect: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	res := GCResult{Strategy: strategy, DryRun: dryRun}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM success_patterns
		 WHERE success_count < ? AND last_success_at <= ?
		   AND (success_count >= ? OR tier = ?)`,
		policy.MaxCount, cutoff, ProtectedSuccessCount, string(TierGold)).Scan(&res.Protected); err != nil {
		return GCResult{}, spanError(span, fmt.Errorf("count protected: %w", err))
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+patternColumns+` FROM success_patterns
		 WHERE success_count < ? AND last_success_at <= ?
		   AND success_count < ? AND tier != ?
		 ORDER BY success_count DESC, avg_confidence DESC, last_success_at DESC, id ASC`,
		policy.MaxCount, cutoff, ProtectedSuccessCount, string(TierGold))
	if err != nil {
		return GCResult{}, spanError(span, fmt.Errorf("select candidates: %w", err))
	}
	res.Patterns, err = scanPatterns(rows)
	rows.Close()
	if err != nil {
		return GCResult{}, spanError(span, err)
	}

	if !dryRun && len(res.Patterns) > 0 {
		result, err := tx.ExecContext(ctx,
			`DELETE FROM success_patterns
			 WHERE success_count < ? AND last_success_at <= ?
			   AND success_count < ? AND tier != ?`,
			policy.MaxCount, cutoff, ProtectedSuccessCount, string(TierGold))
		if err != nil {
			return GCResult{}, spanError(span, fmt.Errorf("delete candidates: %w", err))
		}
		n, err := result.RowsAffected()
		if err != nil {
			return GCResult{}, spanError(span, fmt.Errorf("rows affected: %w", err))
		}
		res.Deleted = int(n)
	}

	if err := tx.Commit(); err != nil {
		return GCResult{}, spanError(span, fmt.Errorf("commit collect: %w", err))
	}

	observeCollect(res)
	span.SetAttributes(
		attribute.Int("candidates", len(res.Patterns)),
		attribute.Int("deleted", res.Deleted),
		attribute.Int("protected", res.Protected),
	)
	return res, nil
}

// RecordOutcome implements Store.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, errorCode, clusterID string, promoted bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var successes, failures int
	if promoted {
		successes = 1
	} else {
		failures = 1
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cluster_outcomes (error_code, cluster_id, successes, failures, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(error_code, cluster_id) DO UPDATE SET
		   successes = successes + excluded.successes,
		   failures = failures + excluded.failures,
		   updated_at = excluded.updated_at`,
		errorCode, clusterID, successes, failures, s.opts.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// OutcomeStats implements Store.
func (s *SQLiteStore) OutcomeStats(ctx context.Context, errorCode, clusterID string) (confidence.Stats, error) {
	if err := s.checkOpen(); err != nil {
		return confidence.Stats{}, err
	}

	var st confidence.Stats
	var err error
	if clusterID != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT successes, failures FROM cluster_outcomes WHERE error_code = ? AND cluster_id = ?`,
			errorCode, clusterID).Scan(&st.Successes, &st.Failures)
		if errors.Is(err, sql.ErrNoRows) {
			return confidence.Stats{}, nil
		}
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(successes), 0), COALESCE(SUM(failures), 0)
			 FROM cluster_outcomes WHERE error_code = ?`,
			errorCode).Scan(&st.Successes, &st.Failures)
	}
	if err != nil {
		return confidence.Stats{}, fmt.Errorf("outcome stats: %w", err)
	}
	return st, nil
}

// Stats implements Store.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	if err := s.checkOpen(); err != nil {
		return Stats{}, err
	}

	st := Stats{ByTier: make(map[Tier]int)}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success_count), 0), COUNT(DISTINCT family) FROM success_patterns`,
	).Scan(&st.TotalPatterns, &st.TotalSuccesses, &st.Families); err != nil {
		return Stats{}, fmt.Errorf("pattern totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT tier, COUNT(*) FROM success_patterns GROUP BY tier`)
	if err != nil {
		return Stats{}, fmt.Errorf("pattern tiers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tier string
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return Stats{}, fmt.Errorf("scan tier: %w", err)
		}
		st.ByTier[Tier(tier)] = n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("pattern tiers: %w", err)
	}
	return st, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (Pattern, error) {
	var p Pattern
	var tier string
	var created, last int64
	if err := row.Scan(&p.ID, &p.ErrorCode, &p.ClusterID, &p.Family, &p.FixDescription, &p.FixDiff,
		&p.SuccessCount, &p.AvgConfidence, &tier, &created, &last); err != nil {
		return Pattern{}, err
	}
	p.Tier = Tier(tier)
	p.CreatedAt = time.UnixMilli(created).UTC()
	p.LastSuccessAt = time.UnixMilli(last).UTC()
	return p, nil
}

func scanPatterns(rows *sql.Rows) ([]Pattern, error) {
	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate patterns: %w", err)
	}
	return out, nil
}

// normalizeTimestamp truncates to the millisecond precision stored on disk.
func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
