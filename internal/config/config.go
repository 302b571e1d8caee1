// Package config loads healerd configuration.
//
// Each domain package owns its configuration struct and defaults; this
// package aggregates them under one koanf tree:
//
//	server, store, breaker, confidence, convergence, watchdog,
//	orchestrator, gc, events, proposer, executor, secrets, logging, telemetry
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fyrsmithlabs/healerd/internal/breaker"
	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/convergence"
	"github.com/fyrsmithlabs/healerd/internal/events"
	"github.com/fyrsmithlabs/healerd/internal/healing"
	"github.com/fyrsmithlabs/healerd/internal/logging"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
	"github.com/fyrsmithlabs/healerd/internal/secrets"
	"github.com/fyrsmithlabs/healerd/internal/telemetry"
	"github.com/fyrsmithlabs/healerd/internal/watchdog"
)

// Config is the complete healerd configuration.
type Config struct {
	Server       ServerConfig             `koanf:"server"`
	Store        StoreConfig              `koanf:"store"`
	Breaker      breaker.Config           `koanf:"breaker"`
	Confidence   confidence.Config        `koanf:"confidence"`
	Convergence  convergence.Config       `koanf:"convergence"`
	Watchdog     watchdog.Config          `koanf:"watchdog"`
	Orchestrator healing.Config           `koanf:"orchestrator"`
	GC           patterns.SchedulerConfig `koanf:"gc"`
	Events       EventsConfig             `koanf:"events"`
	Proposer     EndpointConfig           `koanf:"proposer"`
	Executor     EndpointConfig           `koanf:"executor"`
	Secrets      secrets.Config           `koanf:"secrets"`
	Logging      logging.Config           `koanf:"logging"`
	Telemetry    telemetry.Config         `koanf:"telemetry"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Host            string   `koanf:"http_host" validate:"required"`
	Port            int      `koanf:"http_port" validate:"min=1,max=65535"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig locates the SQLite pattern store.
type StoreConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// EventsConfig configures the NATS publisher.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url" validate:"required_if=Enabled true"`
	SubjectPrefix string `koanf:"subject_prefix"`
	Token         Secret `koanf:"token"`
}

// EndpointConfig configures a remote proposer or executor.
type EndpointConfig struct {
	URL         string   `koanf:"url"`
	RollbackURL string   `koanf:"rollback_url"`
	Token       Secret   `koanf:"token"`
	Timeout     Duration `koanf:"timeout" validate:"gt=0"`
}

// HTTP converts the endpoint into the adapter configuration.
func (e EndpointConfig) HTTP() healing.EndpointConfig {
	return healing.EndpointConfig{
		URL:         e.URL,
		RollbackURL: e.RollbackURL,
		Token:       e.Token.Value(),
		Timeout:     e.Timeout.Duration(),
	}
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store:        StoreConfig{Path: filepath.Join("~", ".config", "healerd", "patterns.db")},
		Breaker:      breaker.DefaultConfig(),
		Confidence:   confidence.DefaultConfig(),
		Convergence:  convergence.DefaultConfig(),
		Watchdog:     watchdog.DefaultConfig(),
		Orchestrator: healing.DefaultConfig(),
		GC:           patterns.DefaultSchedulerConfig(),
		Events: EventsConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: events.DefaultSubjectPrefix,
		},
		Proposer:  EndpointConfig{Timeout: Duration(2 * time.Minute)},
		Executor:  EndpointConfig{Timeout: Duration(2 * time.Minute)},
		Secrets:   secrets.DefaultConfig(),
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	for name, section := range map[string]any{
		"server":   c.Server,
		"store":    c.Store,
		"events":   c.Events,
		"proposer": c.Proposer,
		"executor": c.Executor,
	} {
		if err := validate.Struct(section); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if strings.Contains(c.Store.Path, "..") {
		errs = append(errs, fmt.Errorf("store: path must not contain '..': %s", c.Store.Path))
	}
	for name, raw := range map[string]string{
		"proposer.url":          c.Proposer.URL,
		"proposer.rollback_url": c.Proposer.RollbackURL,
		"executor.url":          c.Executor.URL,
		"executor.rollback_url": c.Executor.RollbackURL,
	} {
		if err := validateHTTPURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	for name, v := range map[string]interface{ Validate() error }{
		"breaker":      c.Breaker,
		"confidence":   c.Confidence,
		"watchdog":     c.Watchdog,
		"orchestrator": c.Orchestrator,
		"gc":           c.GC,
		"secrets":      c.Secrets,
		"logging":      &c.Logging,
		"telemetry":    &c.Telemetry,
	} {
		if err := v.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Convergence.ImprovementWindow < 1 || c.Convergence.WindowSize < 1 {
		errs = append(errs, errors.New("convergence: improvement_window and window_size must be positive"))
	}
	return errors.Join(errs...)
}

// RequireEndpoints checks that the proposer and executor URLs are set.
// The daemon needs them; the CLI does not.
func (c *Config) RequireEndpoints() error {
	if c.Proposer.URL == "" {
		return errors.New("proposer.url is required")
	}
	if c.Executor.URL == "" {
		return errors.New("executor.url is required")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ExpandPath replaces a leading ~ with the user's home directory.
func ExpandPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
