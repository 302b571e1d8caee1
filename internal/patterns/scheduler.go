package patterns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SchedulerConfig configures the garbage collection scheduler.
type SchedulerConfig struct {
	// Enabled turns the scheduler on (default: true).
	Enabled bool `koanf:"enabled"`

	// Interval is the time between scheduled runs (default: 24h).
	Interval time.Duration `koanf:"interval"`

	// Strategy is the strategy of scheduled runs (default: conservative).
	Strategy Strategy `koanf:"strategy"`

	// CheckInterval is how often the row count is compared to ThresholdRows (default: 5m).
	CheckInterval time.Duration `koanf:"check_interval"`

	// ThresholdRows triggers an aggressive run when exceeded. Zero disables the check.
	ThresholdRows int `koanf:"threshold_rows"`

	// RunTimeout bounds a single run (default: 10m).
	RunTimeout time.Duration `koanf:"run_timeout"`
}

// DefaultSchedulerConfig returns the default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:       true,
		Interval:      24 * time.Hour,
		Strategy:      StrategyConservative,
		CheckInterval: 5 * time.Minute,
		ThresholdRows: 10000,
		RunTimeout:    10 * time.Minute,
	}
}

// Validate checks the configuration.
func (c SchedulerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Interval <= 0 || c.CheckInterval <= 0 || c.RunTimeout <= 0 {
		return fmt.Errorf("gc interval, check_interval and run_timeout must be positive")
	}
	if _, err := PolicyFor(c.Strategy); err != nil {
		return err
	}
	if c.ThresholdRows < 0 {
		return fmt.Errorf("gc threshold_rows must not be negative")
	}
	return nil
}

// Scheduler runs garbage collection out of band: periodically with the
// configured strategy, and with the aggressive strategy whenever the store
// grows past ThresholdRows. Threshold runs are limited to one per check window.
type Scheduler struct {
	store   Store
	cfg     SchedulerConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler. It does not start until Start is called.
func NewScheduler(store Store, cfg SchedulerConfig, logger *zap.Logger) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = def.RunTimeout
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if _, err := PolicyFor(cfg.Strategy); err != nil {
		return nil, err
	}

	return &Scheduler{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(cfg.CheckInterval), 1),
	}, nil
}

// Start begins the background loop. Starting a running scheduler is an error.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.logger.Info("gc scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.String("strategy", string(s.cfg.Strategy)),
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Int("threshold_rows", s.cfg.ThresholdRows),
	)
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the loop to exit and waits for an in-flight run to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("gc scheduler stopped")
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("gc scheduler panicked", zap.Any("panic", r), zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	check := time.NewTicker(s.cfg.CheckInterval)
	defer check.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunOnce(s.cfg.Strategy, "schedule")
		case <-check.C:
			s.CheckThreshold()
		case <-stopCh:
			return
		}
	}
}

// CheckThreshold runs the aggressive strategy if the store has grown past
// ThresholdRows and the limiter allows it. It reports whether a run happened.
func (s *Scheduler) CheckThreshold() bool {
	if s.cfg.ThresholdRows <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	st, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("gc threshold check failed", zap.Error(err))
		return false
	}
	PatternsStored.Set(float64(st.TotalPatterns))
	if st.TotalPatterns <= s.cfg.ThresholdRows {
		return false
	}
	if !s.limiter.Allow() {
		s.logger.Debug("gc threshold run throttled", zap.Int("patterns", st.TotalPatterns))
		return false
	}
	s.RunOnce(StrategyAggressive, "threshold")
	return true
}

// RunOnce performs a single collection and logs the outcome.
func (s *Scheduler) RunOnce(strategy Strategy, trigger string) (GCResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	defer cancel()

	res, err := s.store.Collect(ctx, strategy, false)
	if err != nil {
		GCRunsTotal.WithLabelValues(string(strategy), trigger, "error").Inc()
		s.logger.Error("gc run failed",
			zap.String("strategy", string(strategy)),
			zap.String("trigger", trigger),
			zap.Error(err),
		)
		return res, err
	}
	GCRunsTotal.WithLabelValues(string(strategy), trigger, "success").Inc()
	s.logger.Info("gc run completed",
		zap.String("strategy", string(strategy)),
		zap.String("trigger", trigger),
		zap.Int("deleted", res.Deleted),
		zap.Int("protected", res.Protected),
	)
	return res, nil
}
