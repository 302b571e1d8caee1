package confidence

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/convergence"
)

// PenaltySource names where the complexity penalty came from.
type PenaltySource string

const (
	PenaltyDifficulty PenaltySource = "difficulty"
	PenaltyHistory    PenaltySource = "history"
	PenaltyNone       PenaltySource = "none"
)

// HistoryLevel names which counters fed the historical rate.
type HistoryLevel string

const (
	HistoryCluster   HistoryLevel = "cluster"
	HistoryErrorCode HistoryLevel = "error_code"
	HistoryPrior     HistoryLevel = "prior"
)

// Stats are promotion/failure counters for one key.
type Stats struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Total returns successes + failures.
func (s Stats) Total() int {
	return s.Successes + s.Failures
}

// History supplies outcome counters. An empty clusterID asks for the
// aggregate over every cluster of the error code.
type History interface {
	OutcomeStats(ctx context.Context, errorCode, clusterID string) (Stats, error)
}

// Weights are the relative weights of the score components.
type Weights struct {
	Model    float64 `koanf:"model" json:"model"`
	History  float64 `koanf:"history" json:"history"`
	Coverage float64 `koanf:"coverage" json:"coverage"`
}

// Config configures a Scorer.
type Config struct {
	Weights Weights `koanf:"weights"`

	// Temperature scales the final score in logit space (default: 1.0, identity).
	Temperature float64 `koanf:"temperature"`

	// DifficultyFactor scales difficulty into the penalty (default: 0.5).
	DifficultyFactor float64 `koanf:"difficulty_factor"`

	// Floor is the lowest value the penalty can push a score to (default: 0.1).
	Floor float64 `koanf:"floor"`
}

// DefaultConfig returns the default scorer configuration.
func DefaultConfig() Config {
	return Config{
		Weights:          Weights{Model: 0.5, History: 0.3, Coverage: 0.2},
		Temperature:      1.0,
		DifficultyFactor: 0.5,
		Floor:            0.1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	w := c.Weights
	if w.Model < 0 || w.History < 0 || w.Coverage < 0 {
		return fmt.Errorf("confidence weights must be non-negative")
	}
	if w.Model+w.History+w.Coverage == 0 {
		return fmt.Errorf("confidence weights must not all be zero")
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("confidence temperature must be positive")
	}
	if c.DifficultyFactor < 0 || c.DifficultyFactor > 1 {
		return fmt.Errorf("confidence difficulty_factor must be in [0,1]")
	}
	if c.Floor < 0 || c.Floor >= 1 {
		return fmt.Errorf("confidence floor must be in [0,1)")
	}
	return nil
}

// Input is everything the scorer may use for one attempt.
type Input struct {
	ModelConfidence *float64
	ErrorCode       string
	ClusterID       string
	Difficulty      *float64
	TestCoverage    *float64

	// ClusterWindow is the trend window of the error cluster, if any.
	ClusterWindow *convergence.Window
}

// Score is a confidence value with the ingredients that produced it.
type Score struct {
	Value          float64       `json:"value"`
	Base           float64       `json:"base"`
	Model          *float64      `json:"model,omitempty"`
	History        float64       `json:"history"`
	HistoryLevel   HistoryLevel  `json:"history_level"`
	HistorySamples int           `json:"history_samples"`
	Penalty        float64       `json:"penalty"`
	PenaltySource  PenaltySource `json:"penalty_source"`
	Coverage       *float64      `json:"coverage,omitempty"`
	Weights        Weights       `json:"weights"`
	HistoryWeight  float64       `json:"history_weight"`
	Temperature    float64       `json:"temperature"`
}

// Scorer computes confidence scores.
type Scorer struct {
	cfg     Config
	history History
	logger  *zap.Logger
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithLogger sets the scorer logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scorer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScorer creates a scorer. history may be nil, in which case the prior is used.
func NewScorer(cfg Config, history History, opts ...Option) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{cfg: cfg, history: history, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score computes the confidence for in. History lookup failures fall back
// to the prior and are logged, never returned. Base is the weighted mean of
// the components present; the history weight grows with its sample count.
func (s *Scorer) Score(ctx context.Context, in Input) Score {
	rate, level, samples := s.historicalRate(ctx, in.ErrorCode, in.ClusterID)
	penalty, source := s.penalty(in)

	w := s.cfg.Weights
	historyWeight := HistoryWeight(w.History, samples)
	sum := historyWeight * rate
	weight := historyWeight
	if in.ModelConfidence != nil {
		sum += w.Model * clamp01(*in.ModelConfidence)
		weight += w.Model
	}
	if in.TestCoverage != nil {
		sum += w.Coverage * clamp01(*in.TestCoverage)
		weight += w.Coverage
	}
	base := rate
	if weight > 0 {
		base = sum / weight
	}

	value := math.Max(base*penalty, math.Min(base, s.cfg.Floor))
	value = temperatureScale(value, s.cfg.Temperature)

	return Score{
		Value:          value,
		Base:           base,
		Model:          copyPtr(in.ModelConfidence),
		History:        rate,
		HistoryLevel:   level,
		HistorySamples: samples,
		Penalty:        penalty,
		PenaltySource:  source,
		Coverage:       copyPtr(in.TestCoverage),
		Weights:        w,
		HistoryWeight:  historyWeight,
		Temperature:    s.cfg.Temperature,
	}
}

func (s *Scorer) historicalRate(ctx context.Context, errorCode, clusterID string) (float64, HistoryLevel, int) {
	if s.history == nil {
		return BetaMean(Stats{}), HistoryPrior, 0
	}
	if clusterID != "" {
		st, err := s.history.OutcomeStats(ctx, errorCode, clusterID)
		if err != nil {
			s.logger.Warn("cluster outcome stats unavailable", zap.String("cluster_id", clusterID), zap.Error(err))
		} else if st.Total() > 0 {
			return BetaMean(st), HistoryCluster, st.Total()
		}
	}
	if errorCode != "" {
		st, err := s.history.OutcomeStats(ctx, errorCode, "")
		if err != nil {
			s.logger.Warn("error code outcome stats unavailable", zap.String("error_code", errorCode), zap.Error(err))
		} else if st.Total() > 0 {
			return BetaMean(st), HistoryErrorCode, st.Total()
		}
	}
	return BetaMean(Stats{}), HistoryPrior, 0
}

func (s *Scorer) penalty(in Input) (float64, PenaltySource) {
	if in.Difficulty != nil {
		return Penalty(*in.Difficulty, s.cfg.DifficultyFactor), PenaltyDifficulty
	}
	if in.ClusterWindow != nil {
		if mean, ok := in.ClusterWindow.MeanQuality(); ok {
			return Penalty(1-mean, s.cfg.DifficultyFactor), PenaltyHistory
		}
	}
	return 1.0, PenaltyNone
}

// BetaMean returns the posterior mean of a Beta(1,1) prior updated with st.
func BetaMean(st Stats) float64 {
	return float64(st.Successes+1) / float64(st.Total()+2)
}

// HistoryWeight scales the configured history weight by the evidence behind
// the rate: w·n/(n+2), where 2 is the pseudo-count of the Beta(1,1) prior.
// With no samples the prior carries no weight.
func HistoryWeight(w float64, samples int) float64 {
	if samples <= 0 {
		return 0
	}
	n := float64(samples)
	return w * n / (n + 2)
}

// Penalty returns clamp(1 - difficulty*factor, 0.1, 1.0).
func Penalty(difficulty, factor float64) float64 {
	p := 1 - clamp01(difficulty)*factor
	return math.Max(0.1, math.Min(1.0, p))
}

func temperatureScale(p, temperature float64) float64 {
	if temperature == 1 || p <= 0 || p >= 1 {
		return p
	}
	logit := math.Log(p / (1 - p))
	return 1 / (1 + math.Exp(-logit/temperature))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func copyPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
