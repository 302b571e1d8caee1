package patterns

import (
	"context"
	"crypto/rand"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
)

type tripleKey struct {
	errorCode, clusterID, fixDescription string
}

type outcomeKey struct {
	errorCode, clusterID string
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	opts options

	mu       sync.RWMutex
	closed   bool
	patterns map[tripleKey]*Pattern
	outcomes map[outcomeKey]confidence.Stats
	entropy  *ulid.MonotonicEntropy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:     buildOptions(opts),
		patterns: make(map[tripleKey]*Pattern),
		outcomes: make(map[outcomeKey]confidence.Stats),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

// Record implements Store.
func (m *MemoryStore) Record(_ context.Context, p Promotion) (Pattern, error) {
	if err := p.validate(); err != nil {
		return Pattern{}, err
	}
	at := p.At
	if at.IsZero() {
		at = m.opts.now()
	}
	at = normalizeTimestamp(at)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Pattern{}, ErrClosed
	}

	key := tripleKey{p.ErrorCode, p.ClusterID, p.FixDescription}
	existing, ok := m.patterns[key]
	if !ok {
		pat := &Pattern{
			ID:             ulid.MustNew(ulid.Timestamp(at), m.entropy).String(),
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
		m.patterns[key] = pat
		RecordsTotal.WithLabelValues(string(pat.Tier)).Inc()
		m.opts.logger.Debug("pattern created", zap.String("id", pat.ID), zap.String("cluster_id", pat.ClusterID))
		return *pat, nil
	}

	existing.AvgConfidence = runningMean(existing.AvgConfidence, existing.SuccessCount, p.Confidence)
	existing.SuccessCount++
	existing.Tier = TierFor(existing.AvgConfidence)
	existing.LastSuccessAt = at
	if p.FixDiff != "" {
		existing.FixDiff = p.FixDiff
	}
	RecordsTotal.WithLabelValues(string(existing.Tier)).Inc()
	return *existing, nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, q Query) ([]Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	limit := q.limit()
	seen := make(map[string]bool)
	var out []Match

	levels := []struct {
		level Level
		value string
		match func(*Pattern, string) bool
	}{
		{LevelCluster, q.ClusterID, func(p *Pattern, v string) bool { return p.ClusterID == v }},
		{LevelErrorCode, q.ErrorCode, func(p *Pattern, v string) bool { return p.ErrorCode == v }},
		{LevelFamily, q.family(), func(p *Pattern, v string) bool { return p.Family == v }},
	}
	for _, lv := range levels {
		if len(out) >= limit {
			break
		}
		if lv.value == "" {
			continue
		}
		var found []Pattern
		for _, p := range m.patterns {
			if lv.match(p, lv.value) && !seen[p.ID] {
				found = append(found, *p)
			}
		}
		sortPatterns(found)
		for _, p := range found {
			if len(out) >= limit {
				break
			}
			seen[p.ID] = true
			out = append(out, Match{Pattern: p, Level: lv.level, Advisory: lv.level == LevelFamily})
		}
	}
	observeQuery(out)
	return out, nil
}

// Collect implements Store.
func (m *MemoryStore) Collect(_ context.Context, strategy Strategy, dryRun bool) (GCResult, error) {
	policy, err := PolicyFor(strategy)
	if err != nil {
		return GCResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return GCResult{}, ErrClosed
	}

	cutoff := m.opts.now().Add(-policy.MinAge)
	res := GCResult{Strategy: strategy, DryRun: dryRun}
	for key, p := range m.patterns {
		if p.SuccessCount >= policy.MaxCount || p.LastSuccessAt.After(cutoff) {
			continue
		}
		if protected(*p) {
			res.Protected++
			continue
		}
		res.Patterns = append(res.Patterns, *p)
		if !dryRun {
			delete(m.patterns, key)
		}
	}
	sortPatterns(res.Patterns)
	if !dryRun {
		res.Deleted = len(res.Patterns)
	}
	observeCollect(res)
	return res, nil
}

// RecordOutcome implements Store.
func (m *MemoryStore) RecordOutcome(_ context.Context, errorCode, clusterID string, promoted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	key := outcomeKey{errorCode, clusterID}
	st := m.outcomes[key]
	if promoted {
		st.Successes++
	} else {
		st.Failures++
	}
	m.outcomes[key] = st
	return nil
}

// OutcomeStats implements Store.
func (m *MemoryStore) OutcomeStats(_ context.Context, errorCode, clusterID string) (confidence.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return confidence.Stats{}, ErrClosed
	}

	if clusterID != "" {
		return m.outcomes[outcomeKey{errorCode, clusterID}], nil
	}
	var total confidence.Stats
	for k, st := range m.outcomes {
		if k.errorCode == errorCode {
			total.Successes += st.Successes
			total.Failures += st.Failures
		}
	}
	return total, nil
}

// Stats implements Store.
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stats{}, ErrClosed
	}

	st := Stats{ByTier: make(map[Tier]int)}
	families := make(map[string]struct{})
	for _, p := range m.patterns {
		st.TotalPatterns++
		st.TotalSuccesses += p.SuccessCount
		st.ByTier[p.Tier]++
		families[p.Family] = struct{}{}
	}
	st.Families = len(families)
	return st, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// sortPatterns orders by success count, then average confidence, then recency.
func sortPatterns(ps []Pattern) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.SuccessCount != b.SuccessCount {
			return a.SuccessCount > b.SuccessCount
		}
		if a.AvgConfidence != b.AvgConfidence {
			return a.AvgConfidence > b.AvgConfidence
		}
		if !a.LastSuccessAt.Equal(b.LastSuccessAt) {
			return a.LastSuccessAt.After(b.LastSuccessAt)
		}
		return a.ID < b.ID
	})
}
