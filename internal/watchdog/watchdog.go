// Package watchdog flags healing attempts that run hot or hang.
//
// A trigger is advisory: it is recorded on the attempt and fed to the
// circuit breaker, but the watchdog never cancels or kills anything.
package watchdog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnknownKey is returned by End for a key that was never begun (or already ended).
var ErrUnknownKey = errors.New("watchdog: unknown key")

// Suspicion grades how far an attempt exceeded its thresholds.
type Suspicion string

const (
	SuspicionNone       Suspicion = "none"
	SuspicionSuspicious Suspicion = "suspicious"
	SuspicionDanger     Suspicion = "danger"
	SuspicionExtreme    Suspicion = "extreme"
)

// Config holds the trigger thresholds.
type Config struct {
	// ElapsedThreshold is the wall time after which an attempt is flagged (default: 5s).
	ElapsedThreshold time.Duration `koanf:"elapsed_threshold"`

	// CPUThresholdPercent is the CPU usage above which an attempt is flagged (default: 90).
	CPUThresholdPercent float64 `koanf:"cpu_threshold_percent"`

	// MemoryThresholdMB is optional; zero disables the memory check.
	MemoryThresholdMB float64 `koanf:"memory_threshold_mb"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		ElapsedThreshold:    5 * time.Second,
		CPUThresholdPercent: 90,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	if c.ElapsedThreshold <= 0 {
		return fmt.Errorf("watchdog elapsed_threshold must be positive")
	}
	if c.CPUThresholdPercent <= 0 {
		return fmt.Errorf("watchdog cpu_threshold_percent must be positive")
	}
	if c.MemoryThresholdMB < 0 {
		return fmt.Errorf("watchdog memory_threshold_mb must not be negative")
	}
	return nil
}

// Observed is what the executor reported about an attempt's resource use.
type Observed struct {
	CPUPercent   *float64 `json:"cpu_percent,omitempty"`
	MemoryMB     *float64 `json:"memory_mb,omitempty"`
	HardLimitHit bool     `json:"hard_limit_hit,omitempty"`
	TimedOut     bool     `json:"timed_out,omitempty"`
}

// Event is the watchdog verdict for one attempt.
type Event struct {
	Key       string        `json:"key"`
	Triggered bool          `json:"triggered"`
	Severity  float64       `json:"severity"`
	Suspicion Suspicion     `json:"suspicion"`
	Elapsed   time.Duration `json:"elapsed"`
	Observed  Observed      `json:"observed"`
	Reasons   []string      `json:"reasons,omitempty"`
}

// Watchdog tracks in-flight attempts by key.
type Watchdog struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	started map[string]time.Time
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Watchdog) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) {
		w.now = now
	}
}

// New creates a watchdog. Zero thresholds take their defaults.
func New(cfg Config, opts ...Option) *Watchdog {
	def := DefaultConfig()
	if cfg.ElapsedThreshold <= 0 {
		cfg.ElapsedThreshold = def.ElapsedThreshold
	}
	if cfg.CPUThresholdPercent <= 0 {
		cfg.CPUThresholdPercent = def.CPUThresholdPercent
	}
	w := &Watchdog{
		cfg:     cfg,
		logger:  zap.NewNop(),
		now:     time.Now,
		started: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Begin records the start of the attempt identified by key.
func (w *Watchdog) Begin(key string) {
	w.mu.Lock()
	w.started[key] = w.now()
	w.mu.Unlock()
}

// End finishes the attempt and grades it.
func (w *Watchdog) End(key string, observed Observed) (Event, error) {
	w.mu.Lock()
	start, ok := w.started[key]
	if ok {
		delete(w.started, key)
	}
	w.mu.Unlock()
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}

	ev := w.evaluate(key, w.now().Sub(start), observed)
	if ev.Triggered {
		w.logger.Warn("watchdog triggered",
			zap.String("key", key),
			zap.String("suspicion", string(ev.Suspicion)),
			zap.Float64("severity", ev.Severity),
			zap.Duration("elapsed", ev.Elapsed),
			zap.Strings("reasons", ev.Reasons),
		)
	}
	return ev, nil
}

// Pending returns the keys of attempts that have begun but not ended, sorted.
func (w *Watchdog) Pending() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys := make([]string, 0, len(w.started))
	for k := range w.started {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (w *Watchdog) evaluate(key string, elapsed time.Duration, obs Observed) Event {
	ev := Event{Key: key, Elapsed: elapsed, Observed: obs}

	ratio := func(reason string, v, threshold float64) {
		r := v / threshold
		if r > ev.Severity {
			ev.Severity = r
		}
		if r > 1 {
			ev.Reasons = append(ev.Reasons, reason)
		}
	}
	ratio("elapsed", float64(elapsed), float64(w.cfg.ElapsedThreshold))
	if obs.CPUPercent != nil {
		ratio("cpu", *obs.CPUPercent, w.cfg.CPUThresholdPercent)
	}
	if obs.MemoryMB != nil && w.cfg.MemoryThresholdMB > 0 {
		ratio("memory", *obs.MemoryMB, w.cfg.MemoryThresholdMB)
	}
	if obs.HardLimitHit {
		ev.Reasons = append(ev.Reasons, "hard_limit")
	}
	if obs.TimedOut {
		ev.Reasons = append(ev.Reasons, "timeout")
	}

	ev.Triggered = len(ev.Reasons) > 0
	ev.Suspicion = Grade(ev.Severity, obs.HardLimitHit)
	if obs.TimedOut && rank(ev.Suspicion) < rank(SuspicionDanger) {
		ev.Suspicion = SuspicionDanger
	}
	return ev
}

// Grade maps a severity ratio to a suspicion level.
func Grade(severity float64, hardLimit bool) Suspicion {
	switch {
	case hardLimit || severity > 2.5:
		return SuspicionExtreme
	case severity > 1.5:
		return SuspicionDanger
	case severity > 1.0:
		return SuspicionSuspicious
	default:
		return SuspicionNone
	}
}

func rank(s Suspicion) int {
	switch s {
	case SuspicionSuspicious:
		return 1
	case SuspicionDanger:
		return 2
	case SuspicionExtreme:
		return 3
	}
	return 0
}
