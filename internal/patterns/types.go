package patterns

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
)

var (
	// ErrBelowThreshold is returned by Record for promotions under the minimum confidence.
	ErrBelowThreshold = errors.New("confidence below promotion threshold")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("pattern store is closed")

	// ErrUnknownStrategy is returned by Collect for an unrecognized strategy.
	ErrUnknownStrategy = errors.New("unknown gc strategy")

	// ErrInvalidPromotion is returned by Record for promotions missing required fields.
	ErrInvalidPromotion = errors.New("invalid promotion")
)

const (
	// MinPromotionConfidence is the lowest confidence Record accepts.
	MinPromotionConfidence = 0.7

	// DefaultQueryLimit is used when Query.Limit is not positive.
	DefaultQueryLimit = 5

	// ProtectedSuccessCount is the success count from which a pattern is never collected.
	ProtectedSuccessCount = 10
)

// Tier is the quality tag derived from a pattern's average confidence.
type Tier string

const (
	TierGold     Tier = "GOLD_STANDARD"
	TierHigh     Tier = "HIGH_CONFIDENCE"
	TierVerified Tier = "VERIFIED"
)

// TierFor returns the tier for an average confidence.
func TierFor(avg float64) Tier {
	switch {
	case avg >= 0.9:
		return TierGold
	case avg >= 0.8:
		return TierHigh
	default:
		return TierVerified
	}
}

// Pattern is a stored success pattern.
type Pattern struct {
	ID             string    `json:"id"`
	ErrorCode      string    `json:"error_code"`
	ClusterID      string    `json:"cluster_id"`
	Family         string    `json:"family"`
	FixDescription string    `json:"fix_description"`
	FixDiff        string    `json:"fix_diff,omitempty"`
	SuccessCount   int       `json:"success_count"`
	AvgConfidence  float64   `json:"avg_confidence"`
	Tier           Tier      `json:"tier"`
	CreatedAt      time.Time `json:"created_at"`
	LastSuccessAt  time.Time `json:"last_success_at"`
}

// Promotion is a fix that converged and should be remembered.
type Promotion struct {
	ErrorCode      string    `json:"error_code"`
	ClusterID      string    `json:"cluster_id"`
	FixDescription string    `json:"fix_description"`
	FixDiff        string    `json:"fix_diff,omitempty"`
	Confidence     float64   `json:"confidence"`
	At             time.Time `json:"at,omitempty"`
}

func (p Promotion) validate() error {
	if strings.TrimSpace(p.ErrorCode) == "" || strings.TrimSpace(p.ClusterID) == "" {
		return fmt.Errorf("%w: error_code and cluster_id are required", ErrInvalidPromotion)
	}
	if strings.TrimSpace(p.FixDescription) == "" {
		return fmt.Errorf("%w: fix_description is required", ErrInvalidPromotion)
	}
	if p.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range", ErrInvalidPromotion, p.Confidence)
	}
	if p.Confidence < MinPromotionConfidence {
		return fmt.Errorf("%w: %.3f < %.2f", ErrBelowThreshold, p.Confidence, MinPromotionConfidence)
	}
	return nil
}

// Level is the cascade level a match was found at.
type Level string

const (
	LevelCluster   Level = "cluster"
	LevelErrorCode Level = "error_code"
	LevelFamily    Level = "family"
)

// Query selects patterns for a failure.
type Query struct {
	ErrorCode string `json:"error_code" query:"error_code"`
	ClusterID string `json:"cluster_id" query:"cluster_id"`
	Limit     int    `json:"limit" query:"limit"`
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultQueryLimit
	}
	return q.Limit
}

// family derives the family from the error code, or from the cluster id when
// no error code was given.
func (q Query) family() string {
	if q.ErrorCode != "" {
		return envelope.Family(q.ErrorCode)
	}
	code, _, _ := strings.Cut(q.ClusterID, ":")
	return envelope.Family(code)
}

// Match is a pattern found by Query.
type Match struct {
	Pattern
	Level    Level `json:"level"`
	Advisory bool  `json:"advisory"`
}

// Strategy is a garbage collection strategy.
type Strategy string

const (
	StrategyConservative Strategy = "conservative"
	StrategyAggressive   Strategy = "aggressive"
	StrategyNuclear      Strategy = "nuclear"
)

// Policy is the deletion rule of a strategy. A pattern is a candidate when
// its success count is below MaxCount and its last success is at least
// MinAge old.
type Policy struct {
	MaxCount int
	MinAge   time.Duration
}

// PolicyFor returns the policy of a strategy.
func PolicyFor(s Strategy) (Policy, error) {
	switch s {
	case StrategyConservative:
		return Policy{MaxCount: 2, MinAge: 90 * 24 * time.Hour}, nil
	case StrategyAggressive:
		return Policy{MaxCount: 3, MinAge: 60 * 24 * time.Hour}, nil
	case StrategyNuclear:
		return Policy{MaxCount: 5}, nil
	}
	return Policy{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// protected reports whether p can never be collected.
func protected(p Pattern) bool {
	return p.SuccessCount >= ProtectedSuccessCount || p.Tier == TierGold
}

// GCResult reports a collection run.
type GCResult struct {
	Strategy  Strategy  `json:"strategy"`
	DryRun    bool      `json:"dry_run"`
	Deleted   int       `json:"deleted"`
	Protected int       `json:"protected"`
	Patterns  []Pattern `json:"patterns,omitempty"`
}

// Stats are store aggregates.
type Stats struct {
	TotalPatterns  int          `json:"total_patterns"`
	TotalSuccesses int          `json:"total_successes"`
	ByTier         map[Tier]int `json:"by_tier"`
	Families       int          `json:"families"`
}

// Store is the success pattern store.
type Store interface {
	// Record upserts a promoted fix.
	Record(ctx context.Context, p Promotion) (Pattern, error)

	// Query runs the cluster, error code, family cascade.
	Query(ctx context.Context, q Query) ([]Match, error)

	// Collect garbage collects patterns with the given strategy.
	Collect(ctx context.Context, strategy Strategy, dryRun bool) (GCResult, error)

	// RecordOutcome bumps the outcome counter of a cluster.
	RecordOutcome(ctx context.Context, errorCode, clusterID string, promoted bool) error

	// OutcomeStats returns outcome counters. An empty clusterID aggregates the error code.
	OutcomeStats(ctx context.Context, errorCode, clusterID string) (confidence.Stats, error)

	// Stats returns store aggregates.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the store.
	Close() error
}

// runningMean folds c into a mean over n samples.
func runningMean(mean float64, n int, c float64) float64 {
	return (mean*float64(n) + c) / float64(n+1)
}
