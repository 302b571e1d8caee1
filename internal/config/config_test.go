package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:9191", cfg.Server.Addr())
	assert.Error(t, cfg.RequireEndpoints())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server"},
		{"port too high", func(c *Config) { c.Server.Port = 65536 }, "server"},
		{"shutdown timeout", func(c *Config) { c.Server.ShutdownTimeout = 0 }, "server"},
		{"store path traversal", func(c *Config) { c.Store.Path = "/data/../../etc/passwd" }, "store"},
		{"events url required", func(c *Config) { c.Events.Enabled = true; c.Events.URL = "" }, "events"},
		{"proposer scheme", func(c *Config) { c.Proposer.URL = "ftp://proposer" }, "proposer.url"},
		{"executor host", func(c *Config) { c.Executor.URL = "http://" }, "executor.url"},
		{"rollback scheme", func(c *Config) { c.Executor.RollbackURL = "file:///tmp/x" }, "executor.rollback_url"},
		{"endpoint timeout", func(c *Config) { c.Executor.Timeout = 0 }, "executor"},
		{"breaker", func(c *Config) { c.Breaker.GraceAttempts = 1 }, "breaker"},
		{"confidence", func(c *Config) { c.Confidence.Temperature = 0 }, "confidence"},
		{"watchdog", func(c *Config) { c.Watchdog.ElapsedThreshold = 0 }, "watchdog"},
		{"orchestrator", func(c *Config) { c.Orchestrator.MaxAttempts = 0 }, "orchestrator"},
		{"gc", func(c *Config) { c.GC.Strategy = "everything" }, "gc"},
		{"logging", func(c *Config) { c.Logging.Format = "xml" }, "logging"},
		{"telemetry", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.Endpoint = "" }, "telemetry"},
		{"convergence", func(c *Config) { c.Convergence.WindowSize = 0 }, "convergence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Orchestrator.MaxAttempts = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server")
	assert.Contains(t, err.Error(), "orchestrator")
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/.config/healerd/patterns.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".config", "healerd", "patterns.db"), got)

	got, err = ExpandPath("/var/lib/healerd.db")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/healerd.db", got)

	got, err = ExpandPath("~other/x")
	require.NoError(t, err)
	assert.Equal(t, "~other/x", got)
}

func TestSecret_NeverLeaks(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{s})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"[REDACTED]"}`, string(data))

	text, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "[REDACTED]", string(text))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())

	var parsed Secret
	require.NoError(t, parsed.UnmarshalText([]byte("raw")))
	assert.Equal(t, "raw", parsed.Value())
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
