package breaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/healerd/internal/convergence"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
)

// State is a breaker state.
type State string

const (
	StateClosed          State = "CLOSED"
	StateDegraded        State = "DEGRADED"
	StateRecovery        State = "RECOVERY"
	StateOpen            State = "OPEN"
	StatePermanentlyOpen State = "PERMANENTLY_OPEN"
)

// Decision is what the session should do next.
type Decision string

const (
	DecisionRetry    Decision = "RETRY"
	DecisionPromote  Decision = "PROMOTE"
	DecisionRollback Decision = "ROLLBACK"
	DecisionStop     Decision = "STOP"
)

// Terminal reports whether the decision ends the session.
func (d Decision) Terminal() bool {
	return d != DecisionRetry
}

// Kind is the error kind a breaker watches.
type Kind string

const (
	KindStructural Kind = "structural"
	KindSemantic   Kind = "semantic"
)

// Strike classifies how bad an attempt was.
type Strike string

const (
	StrikeNone Strike = ""
	StrikeSoft Strike = "soft"
	StrikeHard Strike = "hard"
)

var (
	// ErrOpen is returned by Admit when the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrPermanentlyOpen is returned by Admit until Reset is called.
	ErrPermanentlyOpen = errors.New("circuit breaker is permanently open")
)

// Config holds the breaker policy.
type Config struct {
	// StructuralBudget is the tolerated error rate for structural errors (default: 0.10).
	StructuralBudget float64 `koanf:"structural_budget"`

	// SemanticBudget is the tolerated error rate for semantic errors (default: 0.20).
	SemanticBudget float64 `koanf:"semantic_budget"`

	// PromoteFloor is the minimum confidence for PROMOTE (default: 0.9).
	PromoteFloor float64 `koanf:"promote_floor"`

	// ConfidenceDropTolerance is the largest confidence drop an improving attempt may show (default: 0.15).
	ConfidenceDropTolerance float64 `koanf:"confidence_drop_tolerance"`

	// GraceAttempts is the number of executed attempts that can never roll back or stop (default: 2).
	GraceAttempts int `koanf:"grace_attempts"`

	// MaxNoImprovement is the consecutive non-improving attempts that force STOP (default: 5).
	MaxNoImprovement int `koanf:"max_no_improvement"`

	// RecoverySuccesses is the consecutive improvements that close a recovering breaker (default: 2).
	RecoverySuccesses int `koanf:"recovery_successes"`

	// MaxRecoveryCycles is the failed recovery cycles before PERMANENTLY_OPEN (default: 2).
	MaxRecoveryCycles int `koanf:"max_recovery_cycles"`

	// Backoff is the initial wait before a degraded breaker admits a probe (default: 1s).
	Backoff time.Duration `koanf:"backoff"`

	// BackoffMultiplier grows the backoff after each failed recovery cycle (default: 2).
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`

	// MaxBackoff caps the backoff (default: 30s).
	MaxBackoff time.Duration `koanf:"max_backoff"`

	// StructuralFamilies are the error code families treated as structural.
	StructuralFamilies []string `koanf:"structural_families"`
}

// DefaultConfig returns the default breaker policy.
func DefaultConfig() Config {
	return Config{
		StructuralBudget:        0.10,
		SemanticBudget:          0.20,
		PromoteFloor:            0.9,
		ConfidenceDropTolerance: 0.15,
		GraceAttempts:           2,
		MaxNoImprovement:        5,
		RecoverySuccesses:       2,
		MaxRecoveryCycles:       2,
		Backoff:                 time.Second,
		BackoffMultiplier:       2,
		MaxBackoff:              30 * time.Second,
		StructuralFamilies:      []string{"SYNTAX", "PARSE", "INDENT", "IMPORT", "LINT"},
	}
}

// Validate checks the policy.
func (c Config) Validate() error {
	if c.StructuralBudget < 0 || c.SemanticBudget < 0 {
		return fmt.Errorf("breaker budgets must not be negative")
	}
	if c.PromoteFloor <= 0 || c.PromoteFloor > 1 {
		return fmt.Errorf("breaker promote_floor must be in (0,1]")
	}
	if c.GraceAttempts < 2 {
		return fmt.Errorf("breaker grace_attempts must be at least 2")
	}
	if c.MaxNoImprovement < 1 || c.RecoverySuccesses < 1 || c.MaxRecoveryCycles < 1 {
		return fmt.Errorf("breaker counters must be positive")
	}
	if c.Backoff < 0 || c.MaxBackoff < c.Backoff {
		return fmt.Errorf("breaker backoff must be non-negative and not exceed max_backoff")
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("breaker backoff_multiplier must be at least 1")
	}
	return nil
}

// Budget returns the error rate budget for kind.
func (c Config) Budget(kind Kind) float64 {
	if kind == KindStructural {
		return c.StructuralBudget
	}
	return c.SemanticBudget
}

// KindFor returns the kind of an error code given the structural families.
func KindFor(errorCode string, structuralFamilies []string) Kind {
	family := envelope.Family(errorCode)
	for _, f := range structuralFamilies {
		if f == family {
			return KindStructural
		}
	}
	return KindSemantic
}

// Signal is one executed attempt as seen by a breaker.
type Signal struct {
	// ErrorCount is the kind's error count after the attempt.
	ErrorCount int

	// Confidence is the scored confidence of the attempt.
	Confidence float64

	// WatchdogTriggered reports a resource or hang flag on the attempt.
	WatchdogTriggered bool
}

// Verdict is a breaker's decision for one attempt.
type Verdict struct {
	Kind        Kind                    `json:"kind"`
	Decision    Decision                `json:"decision"`
	From        State                   `json:"from"`
	State       State                   `json:"state"`
	Abstained   bool                    `json:"abstained,omitempty"`
	Grace       bool                    `json:"grace,omitempty"`
	Strike      Strike                  `json:"strike,omitempty"`
	ErrorRate   float64                 `json:"error_rate"`
	Observation convergence.Observation `json:"observation"`
	Reason      string                  `json:"reason,omitempty"`
}

// Stats are cumulative breaker counters.
type Stats struct {
	Kind            Kind      `json:"kind"`
	State           State     `json:"state"`
	Evaluations     int       `json:"evaluations"`
	Transitions     int       `json:"transitions"`
	SoftStrikes     int       `json:"soft_strikes"`
	HardStrikes     int       `json:"hard_strikes"`
	FailedRecovery  int       `json:"failed_recovery_cycles"`
	Backoff         string    `json:"backoff"`
	LastStateChange time.Time `json:"last_state_change"`
}
