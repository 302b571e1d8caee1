package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/config"
	"github.com/fyrsmithlabs/healerd/internal/convergence"
	"github.com/fyrsmithlabs/healerd/internal/events"
	"github.com/fyrsmithlabs/healerd/internal/healing"
	httpserver "github.com/fyrsmithlabs/healerd/internal/http"
	"github.com/fyrsmithlabs/healerd/internal/logging"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
	"github.com/fyrsmithlabs/healerd/internal/secrets"
	"github.com/fyrsmithlabs/healerd/internal/telemetry"
	"github.com/fyrsmithlabs/healerd/internal/watchdog"
)

const instrumentationName = "github.com/fyrsmithlabs/healerd"

// run starts the daemon and blocks until ctx is cancelled.
//
//  1. Creates the default config directory and loads configuration
//  2. Initializes telemetry and the logger
//  3. Opens the pattern store and starts the GC scheduler
//  4. Connects the event publisher (optional)
//  5. Builds the orchestrator with the HTTP proposer and executor
//  6. Serves the API, then shuts everything down in reverse order
func run(ctx context.Context, configPath string) error {
	if configPath == "" {
		if err := config.EnsureConfigDir(); err != nil {
			return err
		}
	}
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return err
	}
	if err := cfg.RequireEndpoints(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Telemetry.ServiceVersion = version

	tel, err := telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	lg, err := logging.NewLogger(&cfg.Logging, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := lg.Underlying()
	defer func() {
		_ = lg.Close()
	}()

	logger.Info("starting healerd",
		zap.String("version", version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("telemetry", tel.IsEnabled()),
		zap.String("proposer", cfg.Proposer.URL),
		zap.String("executor", cfg.Executor.URL),
		logging.Secret("proposer_token", cfg.Proposer.Token))

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		shutdownTelemetry(tel, cfg, logger)
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer shutdownTelemetry(tel, cfg, logger)
	defer deps.Close()

	scrubber, err := secrets.New(cfg.Secrets, secrets.WithLogger(logger.Named("secrets")))
	if err != nil {
		return fmt.Errorf("failed to create secret scrubber: %w", err)
	}

	orch, err := healing.New(cfg.Orchestrator, cfg.Breaker, cfg.Convergence, healing.Deps{
		Proposer:  healing.NewHTTPProposer(cfg.Proposer.HTTP()),
		Executor:  healing.NewHTTPExecutor(cfg.Executor.HTTP()),
		Store:     deps.store,
		Scorer:    deps.scorer,
		Watchdog:  watchdog.New(cfg.Watchdog, watchdog.WithLogger(logger.Named("watchdog"))),
		Publisher: deps.publisher,
		Windows:   convergence.NewWindowSet(cfg.Convergence.WindowSize),
		Ledger:    confidence.NewCalibrationLedger(),
	},
		healing.WithLogger(logger.Named("healing")),
		healing.WithTracer(tel.Tracer(instrumentationName)),
		healing.WithScrubber(scrubber),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}

	srv, err := httpserver.NewServer(orch, deps.store, logger.Named("http"), &httpserver.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	},
		httpserver.WithMeterProvider(tel.MeterProvider()),
		httpserver.WithHealthCheck("store", func(ctx context.Context) error {
			_, err := deps.store.Stats(ctx)
			return err
		}),
		httpserver.WithHealthCheck("telemetry", func(context.Context) error {
			if tel.Health().Degraded {
				return errors.New("degraded")
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", zap.Error(err))
	}
	logger.Info("healerd stopped")
	return nil
}

// dependencies holds the infrastructure the orchestrator runs on.
type dependencies struct {
	store     *patterns.SQLiteStore
	scheduler *patterns.Scheduler
	publisher events.Publisher
	scorer    *confidence.Scorer
	logger    *zap.Logger
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{publisher: events.Nop{}, logger: logger}

	store, err := openStore(ctx, cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}
	deps.store = store

	scorer, err := confidence.NewScorer(cfg.Confidence, store, confidence.WithLogger(logger.Named("confidence")))
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("confidence scorer: %w", err)
	}
	deps.scorer = scorer

	if cfg.GC.Enabled {
		sched, err := patterns.NewScheduler(store, cfg.GC, logger.Named("gc"))
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("gc scheduler: %w", err)
		}
		if err := sched.Start(); err != nil {
			deps.Close()
			return nil, fmt.Errorf("gc scheduler: %w", err)
		}
		deps.scheduler = sched
	}

	if cfg.Events.Enabled {
		var opts []nats.Option
		if cfg.Events.Token.IsSet() {
			opts = append(opts, nats.Token(cfg.Events.Token.Value()))
		}
		pub, err := events.Connect(cfg.Events.URL, cfg.Events.SubjectPrefix, logger.Named("events"), opts...)
		if err != nil {
			// events are best effort; run without them
			logger.Warn("nats unavailable, events disabled", zap.String("url", cfg.Events.URL), zap.Error(err))
		} else {
			deps.publisher = pub
		}
	}
	return deps, nil
}

// openStore expands the path, creates its directory and opens the store.
func openStore(ctx context.Context, path string, logger *zap.Logger) (*patterns.SQLiteStore, error) {
	path, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	store, err := patterns.OpenSQLite(ctx, path, patterns.WithLogger(logger.Named("patterns")))
	if err != nil {
		return nil, fmt.Errorf("open pattern store %s: %w", path, err)
	}
	return store, nil
}

// Close releases dependencies in reverse order of creation.
func (d *dependencies) Close() {
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			d.logger.Warn("closing publisher", zap.Error(err))
		}
	}
	if d.scheduler != nil {
		if err := d.scheduler.Stop(); err != nil {
			d.logger.Warn("stopping gc scheduler", zap.Error(err))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("closing pattern store", zap.Error(err))
		}
	}
}

func shutdownTelemetry(tel *telemetry.Telemetry, cfg *config.Config, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Telemetry.Shutdown.Timeout)
	defer cancel()
	if err := tel.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", zap.Error(err))
	}
}
