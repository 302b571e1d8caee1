package envelope

import (
	"strings"
	"time"
)

// CurrentPacketVersion is the newest diagnostic packet version this build understands.
const CurrentPacketVersion = 1

// MaxProtocolErrorLen bounds the protocol error message stored on an attempt.
const MaxProtocolErrorLen = 120

// Outcome is the terminal state of a healing session.
type Outcome string

const (
	// OutcomePromoted means the fix converged and was persisted as a success pattern.
	OutcomePromoted Outcome = "PROMOTED"
	// OutcomeRolledBack means the breaker tripped and the executor was asked to revert.
	OutcomeRolledBack Outcome = "ROLLED_BACK"
	// OutcomeEscalated means the session gave up and needs a human.
	OutcomeEscalated Outcome = "ESCALATED"
	// OutcomeAbandoned means the session was cancelled or hit a fatal fault.
	OutcomeAbandoned Outcome = "ABANDONED"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePromoted, OutcomeRolledBack, OutcomeEscalated, OutcomeAbandoned:
		return true
	}
	return false
}

// DiagnosticPacket is the classifier's description of the failure being healed.
type DiagnosticPacket struct {
	// Version is the packet schema version. Zero is read as version 1.
	Version int `json:"version" validate:"gte=0"`

	// ErrorCode is the dot-namespaced error code, e.g. SYNTAX.MISSING_COLON.
	ErrorCode string `json:"error_code" validate:"required,max=128"`

	// ClusterID groups errors of the same shape, e.g. SYNTAX.MISSING_COLON:parse_args.
	ClusterID string `json:"cluster_id" validate:"required,max=256"`

	// SeverityScore is the classifier's severity estimate in [0,1].
	SeverityScore float64 `json:"severity_score" validate:"gte=0,lte=1"`

	// Difficulty is an optional fix difficulty estimate in [0,1].
	Difficulty *float64 `json:"difficulty,omitempty" validate:"omitempty,gte=0,lte=1"`

	// Line is the source line the error points at, if known.
	Line int `json:"line" validate:"gte=0"`

	// Message is the raw diagnostic message.
	Message string `json:"message" validate:"max=4096"`
}

// Family returns the part of the error code before the first dot.
func (p DiagnosticPacket) Family() string {
	return Family(p.ErrorCode)
}

// Family returns the family prefix of an error code.
func Family(errorCode string) string {
	if i := strings.IndexByte(errorCode, '.'); i >= 0 {
		return errorCode[:i]
	}
	return errorCode
}

// WatchdogFlag is the resource watchdog verdict recorded on an attempt.
type WatchdogFlag struct {
	Triggered bool          `json:"triggered"`
	Suspicion string        `json:"suspicion,omitempty"`
	Severity  float64       `json:"severity,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Reasons   []string      `json:"reasons,omitempty"`
}

// Attempt is one proposed-and-executed (or failed-to-propose) fix.
type Attempt struct {
	// Index is the 1-based position of the attempt, assigned by WithAttempt.
	Index int `json:"index"`

	Timestamp time.Time `json:"timestamp"`

	// FixRef is a short SHA-256 prefix of the proposed fix text.
	FixRef         string `json:"fix_ref,omitempty"`
	FixDescription string `json:"fix_description,omitempty"`

	ErrorsBefore int `json:"errors_before"`
	ErrorsAfter  int `json:"errors_after"`

	// Executed is false for protocol faults where no fix reached the executor.
	Executed bool `json:"executed"`

	Confidence   float64      `json:"confidence"`
	BreakerState string       `json:"breaker_state,omitempty"`
	Decision     string       `json:"decision,omitempty"`
	Watchdog     WatchdogFlag `json:"watchdog"`

	ProtocolError string `json:"protocol_error,omitempty"`
}

// Delta is the error count improvement of this attempt.
func (a Attempt) Delta() int {
	return a.ErrorsBefore - a.ErrorsAfter
}
