package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/convergence"
)

// maxSeries bounds the count history a breaker keeps.
const maxSeries = 64

// Breaker is the circuit breaker for one error kind of one session.
type Breaker struct {
	kind    Kind
	cfg     Config
	tracker *convergence.Tracker
	logger  *zap.Logger
	now     func() time.Time

	mu             sync.Mutex
	state          State
	baseline       int
	counts         []int
	everHadErrors  bool
	attempts       int
	prevConfidence float64
	hasPrev        bool
	noImprovement  int
	recoveryStreak int
	failedCycles   int
	backoff        time.Duration
	retryAt        time.Time
	stats          Stats
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger sets the breaker logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithTracker sets the convergence tracker used to classify the kind's counts.
func WithTracker(t *convergence.Tracker) Option {
	return func(b *Breaker) {
		if t != nil {
			b.tracker = t
		}
	}
}

// New creates a closed breaker for kind with the kind's initial error count.
func New(kind Kind, baseline int, cfg Config, opts ...Option) *Breaker {
	if baseline < 0 {
		baseline = 0
	}
	b := &Breaker{
		kind:          kind,
		cfg:           cfg,
		tracker:       convergence.NewTracker(convergence.DefaultImprovementWindow),
		logger:        zap.NewNop(),
		now:           time.Now,
		state:         StateClosed,
		baseline:      baseline,
		counts:        []int{baseline},
		everHadErrors: baseline > 0,
		backoff:       cfg.Backoff,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.stats = Stats{Kind: kind, State: StateClosed, LastStateChange: b.now()}
	return b
}

// Kind returns the breaker's error kind.
func (b *Breaker) Kind() Kind {
	return b.kind
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Abstaining reports whether the breaker's kind has never had errors.
func (b *Breaker) Abstaining() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.everHadErrors
}

// Evaluate feeds one executed attempt to the breaker and returns its verdict.
func (b *Breaker) Evaluate(sig Signal) Verdict {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	prevCount := b.counts[len(b.counts)-1]
	b.counts = append(b.counts, sig.ErrorCount)
	if len(b.counts) > maxSeries {
		b.counts = b.counts[len(b.counts)-maxSeries:]
	}
	if sig.ErrorCount > 0 {
		b.everHadErrors = true
	}

	improved := convergence.Delta(prevCount, sig.ErrorCount) > 0
	if improved {
		b.noImprovement = 0
	} else {
		b.noImprovement++
	}
	prevConfidence, hadPrev := b.prevConfidence, b.hasPrev
	b.prevConfidence, b.hasPrev = sig.Confidence, true

	v := Verdict{
		Kind:        b.kind,
		From:        b.state,
		ErrorRate:   b.errorRate(sig.ErrorCount),
		Observation: b.tracker.Observe(b.counts),
	}
	b.decide(&v, sig, improved, hadPrev && prevConfidence-sig.Confidence > b.cfg.ConfidenceDropTolerance)
	v.State = b.state

	b.stats.Evaluations++
	switch v.Strike {
	case StrikeSoft:
		b.stats.SoftStrikes++
	case StrikeHard:
		b.stats.HardStrikes++
	}
	if !v.Abstained {
		DecisionsTotal.WithLabelValues(string(b.kind), string(v.Decision)).Inc()
		if v.Strike != StrikeNone {
			StrikesTotal.WithLabelValues(string(b.kind), string(v.Strike)).Inc()
		}
	}
	return v
}

func (b *Breaker) decide(v *Verdict, sig Signal, improved, confidenceDropped bool) {
	promotable := sig.ErrorCount == 0 && sig.Confidence >= b.cfg.PromoteFloor

	if !b.everHadErrors {
		v.Abstained = true
		v.Decision = DecisionRetry
		if promotable {
			v.Decision = DecisionPromote
		}
		return
	}

	switch b.state {
	case StatePermanentlyOpen:
		v.Decision, v.Reason = DecisionStop, "permanently open"
		return
	case StateOpen:
		v.Decision, v.Reason = DecisionRollback, "open"
		return
	}

	if promotable {
		v.Decision, v.Reason = DecisionPromote, "no errors left"
		return
	}
	if b.attempts <= b.cfg.GraceAttempts {
		v.Decision, v.Grace = DecisionRetry, true
		return
	}
	if sig.ErrorCount == 0 {
		v.Decision, v.Reason = DecisionRetry, "resolved below promote floor"
		return
	}
	if b.noImprovement >= b.cfg.MaxNoImprovement {
		v.Decision, v.Reason = DecisionStop, "no improvement"
		return
	}

	class := v.Observation.Classification
	if v.ErrorRate > b.cfg.Budget(b.kind) && class != convergence.Improving {
		v.Strike, v.Reason = StrikeHard, "over budget and "+string(class)
		b.transition(StateOpen, v.Reason)
		v.Decision = DecisionRollback
		return
	}

	watchdogStall := sig.WatchdogTriggered && !improved
	var soft string
	switch {
	case v.Observation.Oscillating:
		soft = "oscillating"
	case class == convergence.Plateau || class == convergence.Worsening:
		soft = string(class)
	case class == convergence.Improving && confidenceDropped:
		soft = "confidence dropped"
	case watchdogStall:
		soft = "watchdog triggered without improvement"
	}
	if soft != "" {
		v.Strike, v.Reason = StrikeSoft, soft
	}

	v.Decision = DecisionRetry
	switch b.state {
	case StateClosed:
		if soft != "" {
			b.transition(StateDegraded, soft)
			b.retryAt = b.now().Add(b.backoff)
		}
	case StateDegraded:
		if soft != "" {
			b.transition(StateOpen, soft)
			v.Decision = DecisionRollback
		}
	case StateRecovery:
		switch {
		case watchdogStall:
			b.transition(StateOpen, soft)
			v.Decision = DecisionRollback
		case improved:
			b.recoveryStreak++
			if b.recoveryStreak >= b.cfg.RecoverySuccesses {
				b.transition(StateClosed, "recovered")
				b.failedCycles = 0
				b.backoff = b.cfg.Backoff
			}
		default:
			b.failedCycles++
			b.stats.FailedRecovery++
			if b.failedCycles >= b.cfg.MaxRecoveryCycles {
				b.transition(StatePermanentlyOpen, "recovery failed")
				v.Decision, v.Reason = DecisionStop, "recovery failed"
				return
			}
			b.backoff = b.nextBackoff()
			b.transition(StateDegraded, "recovery probe did not improve")
			b.retryAt = b.now().Add(b.backoff)
		}
	}
}

// Admit blocks until a degraded breaker's backoff has elapsed and then moves
// it to RECOVERY. Closed and recovering breakers admit immediately.
func (b *Breaker) Admit(ctx context.Context) error {
	b.mu.Lock()
	var wait time.Duration
	switch b.state {
	case StateOpen:
		b.mu.Unlock()
		return ErrOpen
	case StatePermanentlyOpen:
		b.mu.Unlock()
		return ErrPermanentlyOpen
	case StateDegraded:
		wait = b.retryAt.Sub(b.now())
	default:
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateDegraded {
		b.recoveryStreak = 0
		b.transition(StateRecovery, "probe admitted")
	}
	return nil
}

// Reset returns the breaker to CLOSED and clears its strike history. It is
// the only way out of PERMANENTLY_OPEN.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.noImprovement = 0
	b.recoveryStreak = 0
	b.failedCycles = 0
	b.backoff = b.cfg.Backoff
	b.retryAt = time.Time{}
	if b.state != StateClosed {
		b.transition(StateClosed, "reset")
	}
}

// Stats returns a copy of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.State = b.state
	s.Backoff = b.backoff.String()
	return s
}

func (b *Breaker) errorRate(count int) float64 {
	if b.baseline == 0 {
		return float64(count)
	}
	return float64(count) / float64(b.baseline)
}

func (b *Breaker) nextBackoff() time.Duration {
	next := time.Duration(float64(b.backoff) * b.cfg.BackoffMultiplier)
	if next > b.cfg.MaxBackoff {
		next = b.cfg.MaxBackoff
	}
	return next
}

// transition must be called with mu held.
func (b *Breaker) transition(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.stats.Transitions++
	b.stats.LastStateChange = b.now()
	TransitionsTotal.WithLabelValues(string(b.kind), string(from), string(to)).Inc()
	b.logger.Info("breaker state change",
		zap.String("kind", string(b.kind)),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
}
