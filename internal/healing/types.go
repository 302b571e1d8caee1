package healing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/healerd/internal/breaker"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

var (
	// ErrProtocol marks a malformed or failed proposer exchange. It is recorded
	// on the attempt and never ends the session by itself.
	ErrProtocol = errors.New("protocol fault")

	// ErrExecutor marks a non-timeout executor failure. It ends the session.
	ErrExecutor = errors.New("executor failed")

	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidRequest is returned for requests that cannot start a session.
	ErrInvalidRequest = errors.New("invalid session request")

	// ErrSessionExists is returned when a session id is already running.
	ErrSessionExists = errors.New("session already running")

	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// Config configures the orchestrator.
type Config struct {
	// MaxAttempts bounds attempts per session, protocol faults included (default: 10).
	MaxAttempts int `koanf:"max_attempts"`

	// AttemptTimeout bounds the proposer and executor calls of one attempt (default: 2m).
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`

	// Concurrency bounds RunMany (default: 4).
	Concurrency int `koanf:"concurrency"`

	// RetainSessions is how many finished sessions the registry keeps (default: 256).
	RetainSessions int `koanf:"retain_sessions"`

	// PatternLimit is the number of patterns handed to the proposer (default: 5).
	PatternLimit int `koanf:"pattern_limit"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    10,
		AttemptTimeout: 2 * time.Minute,
		Concurrency:    4,
		RetainSessions: 256,
		PatternLimit:   patterns.DefaultQueryLimit,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator max_attempts must be at least 1")
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("orchestrator attempt_timeout must be positive")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("orchestrator concurrency must be at least 1")
	}
	if c.RetainSessions < 0 {
		return fmt.Errorf("orchestrator retain_sessions must not be negative")
	}
	return nil
}

// Request starts a session.
type Request struct {
	// SessionID is optional; a UUID is generated when empty.
	SessionID string `json:"session_id,omitempty"`

	Packet            envelope.DiagnosticPacket `json:"packet"`
	InitialErrorCount int                       `json:"initial_error_count" validate:"gte=0"`

	// InitialByKind optionally splits the initial count by error kind.
	InitialByKind map[breaker.Kind]int `json:"initial_by_kind,omitempty"`

	TestCoverage *float64 `json:"test_coverage,omitempty"`
}

// Snapshot is the read-only view handed to the proposer.
type Snapshot struct {
	Envelope          envelope.Envelope              `json:"envelope"`
	Patterns          []patterns.Match               `json:"patterns"`
	LastProtocolError string                         `json:"last_protocol_error,omitempty"`
	BreakerStates     map[breaker.Kind]breaker.State `json:"breaker_states"`
}

// Proposer produces a fix for a snapshot. The raw response must be a JSON
// object {"fix", "fix_description", "fix_diff"?, "confidence"?}.
type Proposer interface {
	Propose(ctx context.Context, snap Snapshot) ([]byte, error)
}

// ExecutionRequest asks the executor to apply and test a fix.
type ExecutionRequest struct {
	SessionID      string                    `json:"session_id"`
	Attempt        int                       `json:"attempt"`
	Packet         envelope.DiagnosticPacket `json:"packet"`
	Fix            string                    `json:"fix"`
	FixDescription string                    `json:"fix_description"`
	FixDiff        string                    `json:"fix_diff,omitempty"`
}

// ExecutionReport is what the executor observed.
type ExecutionReport struct {
	ErrorCount   int                  `json:"error_count"`
	ByKind       map[breaker.Kind]int `json:"by_kind,omitempty"`
	CPUPercent   *float64             `json:"cpu_percent,omitempty"`
	MemoryMB     *float64             `json:"memory_mb,omitempty"`
	HardLimitHit bool                 `json:"hard_limit_hit,omitempty"`
	TestCoverage *float64             `json:"test_coverage,omitempty"`
}

// Executor applies a fix in a sandbox and reports the resulting errors.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (ExecutionReport, error)
}

// Rollbacker is optionally implemented by executors that can revert a session's changes.
type Rollbacker interface {
	Rollback(ctx context.Context, sessionID string) error
}

// Result is the outcome of a session.
type Result struct {
	SessionID string            `json:"session_id"`
	Outcome   envelope.Outcome  `json:"outcome"`
	Decision  breaker.Decision  `json:"decision,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Envelope  envelope.Envelope `json:"envelope"`
	Pattern   *patterns.Pattern `json:"pattern,omitempty"`
	Err       string            `json:"error,omitempty"`
}
