package logging

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, zapcore.InfoLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Output.Stdout)
	assert.Empty(t, cfg.Output.File.Path)
	assert.Equal(t, time.Second, cfg.Sampling.Tick)
	assert.Equal(t, "healerd", cfg.Fields["service"])
	assert.Contains(t, cfg.Redaction.Fields, "token")

	_, sampled := cfg.Sampling.Levels[zapcore.ErrorLevel]
	assert.False(t, sampled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }, "format"},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }, "at least one output"},
		{"file only", func(c *Config) { c.Output.Stdout = false; c.Output.File.Path = "/tmp/h.log" }, ""},
		{"file without size", func(c *Config) { c.Output.File.Path = "/tmp/h.log"; c.Output.File.MaxSizeMB = 0 }, "max_size_mb"},
		{"negative backups", func(c *Config) { c.Output.File.MaxBackups = -1 }, "max_backups"},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, "tick"},
		{"zero tick unsampled", func(c *Config) { c.Sampling.Enabled = false; c.Sampling.Tick = 0 }, ""},
		{"negative skip", func(c *Config) { c.Caller.Skip = -1 }, "caller skip"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"(unclosed"} }, "invalid redaction pattern"},
		{"long pattern", func(c *Config) { c.Redaction.Patterns = []string{strings.Repeat("a", 201)} }, "too long"},
		{"empty key", func(c *Config) { c.Fields[""] = "x" }, "key cannot be empty"},
		{"empty value", func(c *Config) { c.Fields["env"] = "" }, "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	l, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, l)

	l, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)

	_, err = LevelFromString("loud")
	assert.Error(t, err)
}
