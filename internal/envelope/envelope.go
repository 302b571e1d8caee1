package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned when appending to or closing an envelope that already has an outcome.
	ErrClosed = errors.New("envelope is closed")

	// ErrIntegrity is returned when the packet no longer matches the hash captured at creation.
	ErrIntegrity = errors.New("diagnostic packet integrity check failed")

	// ErrInvalidPacket is returned when a packet fails validation.
	ErrInvalidPacket = errors.New("invalid diagnostic packet")

	// ErrUnsupportedVersion is returned for packets newer than CurrentPacketVersion.
	ErrUnsupportedVersion = errors.New("unsupported diagnostic packet version")

	// ErrInvalidOutcome is returned by Close for an unknown outcome.
	ErrInvalidOutcome = errors.New("invalid outcome")
)

// Envelope is the record of one healing session.
type Envelope struct {
	SessionID  string           `json:"session_id"`
	Packet     DiagnosticPacket `json:"diagnostic_packet"`
	PacketHash string           `json:"packet_hash"`
	Attempts   []Attempt        `json:"attempts"`
	Outcome    Outcome          `json:"final_outcome,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ClosedAt   *time.Time       `json:"closed_at,omitempty"`
}

// New validates the packet and creates an open envelope for it.
func New(sessionID string, packet DiagnosticPacket, now time.Time) (Envelope, error) {
	if sessionID == "" {
		return Envelope{}, fmt.Errorf("%w: session id is required", ErrInvalidPacket)
	}
	if err := ValidatePacket(packet); err != nil {
		return Envelope{}, err
	}
	if packet.Difficulty != nil {
		d := *packet.Difficulty
		packet.Difficulty = &d
	}
	hash, err := HashPacket(packet)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		SessionID:  sessionID,
		Packet:     packet,
		PacketHash: hash,
		CreatedAt:  now.UTC(),
	}, nil
}

// HashPacket returns the hex SHA-256 of the packet's canonical JSON encoding.
func HashPacket(p DiagnosticPacket) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding packet: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// FixRef returns the short reference stored on attempts for a proposed fix.
func FixRef(fix string) string {
	sum := sha256.Sum256([]byte(fix))
	return hex.EncodeToString(sum[:])[:12]
}

// Verify recomputes the packet hash and compares it to the captured one.
func (e Envelope) Verify() error {
	hash, err := HashPacket(e.Packet)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	if hash != e.PacketHash {
		return fmt.Errorf("%w: session %s", ErrIntegrity, e.SessionID)
	}
	return nil
}

// Closed reports whether the envelope has a terminal outcome.
func (e Envelope) Closed() bool {
	return e.Outcome != ""
}

// WithAttempt returns a copy of the envelope with a appended and numbered.
func (e Envelope) WithAttempt(a Attempt) (Envelope, error) {
	if e.Closed() {
		return e, fmt.Errorf("%w: session %s", ErrClosed, e.SessionID)
	}
	a.Index = len(e.Attempts) + 1
	a.ProtocolError = truncate(a.ProtocolError, MaxProtocolErrorLen)
	if len(a.Watchdog.Reasons) > 0 {
		a.Watchdog.Reasons = append([]string(nil), a.Watchdog.Reasons...)
	}

	attempts := make([]Attempt, len(e.Attempts), len(e.Attempts)+1)
	copy(attempts, e.Attempts)
	e.Attempts = append(attempts, a)
	return e, nil
}

// Close returns a copy of the envelope with its terminal outcome set.
func (e Envelope) Close(outcome Outcome, now time.Time) (Envelope, error) {
	if e.Closed() {
		return e, fmt.Errorf("%w: session %s already %s", ErrClosed, e.SessionID, e.Outcome)
	}
	if !outcome.Valid() {
		return e, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
	at := now.UTC()
	e.Outcome = outcome
	e.ClosedAt = &at
	return e, nil
}

// LastAttempt returns the most recent attempt, if any.
func (e Envelope) LastAttempt() (Attempt, bool) {
	if len(e.Attempts) == 0 {
		return Attempt{}, false
	}
	return e.Attempts[len(e.Attempts)-1], true
}

// ExecutedCounts returns the error count series seen by executed attempts,
// starting with the first attempt's errors-before value.
func (e Envelope) ExecutedCounts() []int {
	var counts []int
	for _, a := range e.Attempts {
		if !a.Executed {
			continue
		}
		if len(counts) == 0 {
			counts = append(counts, a.ErrorsBefore)
		}
		counts = append(counts, a.ErrorsAfter)
	}
	return counts
}

// ExecutedAttempts returns the number of attempts that reached the executor.
func (e Envelope) ExecutedAttempts() int {
	n := 0
	for _, a := range e.Attempts {
		if a.Executed {
			n++
		}
	}
	return n
}

// LastProtocolError returns the protocol error of the latest attempt, or "".
func (e Envelope) LastProtocolError() string {
	if a, ok := e.LastAttempt(); ok {
		return a.ProtocolError
	}
	return ""
}

// Snapshot returns a deep copy safe to hand to collaborators.
func (e Envelope) Snapshot() Envelope {
	out := e
	if e.Packet.Difficulty != nil {
		d := *e.Packet.Difficulty
		out.Packet.Difficulty = &d
	}
	if e.ClosedAt != nil {
		t := *e.ClosedAt
		out.ClosedAt = &t
	}
	out.Attempts = make([]Attempt, len(e.Attempts))
	for i, a := range e.Attempts {
		if len(a.Watchdog.Reasons) > 0 {
			a.Watchdog.Reasons = append([]string(nil), a.Watchdog.Reasons...)
		}
		out.Attempts[i] = a
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
