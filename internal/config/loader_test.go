package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/healerd/internal/patterns"
	"github.com/fyrsmithlabs/healerd/internal/secrets"
)

// setupTestHome points HOME at a temp dir and returns the config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "healerd")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, 10, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, patterns.StrategyConservative, cfg.GC.Strategy)
	assert.Equal(t, "healerd", cfg.Events.SubjectPrefix)
	assert.False(t, cfg.Events.Enabled)
	assert.True(t, cfg.Secrets.Enabled)
	assert.Equal(t, secrets.DefaultRedaction, cfg.Secrets.Redaction)
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 8080
  shutdown_timeout: 3s
store:
  path: /var/lib/healerd/patterns.db
breaker:
  max_backoff: 10s
  structural_budget: 0.15
orchestrator:
  max_attempts: 6
  attempt_timeout: 45s
gc:
  strategy: aggressive
  interval: 12h
events:
  enabled: true
  url: nats://nats:4222
  token: s3cret
proposer:
  url: http://proposer:8000/propose
  token: p-token
  timeout: 30s
executor:
  url: http://sandbox:8001/execute
  rollback_url: http://sandbox:8001/rollback
secrets:
  allow_list: ["EXAMPLE$"]
logging:
  level: debug
  format: console
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "/var/lib/healerd/patterns.db", cfg.Store.Path)
	assert.Equal(t, 10*time.Second, cfg.Breaker.MaxBackoff)
	assert.InDelta(t, 0.15, cfg.Breaker.StructuralBudget, 1e-9)
	assert.InDelta(t, 0.20, cfg.Breaker.SemanticBudget, 1e-9, "unset fields keep defaults")
	assert.Equal(t, 6, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Orchestrator.AttemptTimeout)
	assert.Equal(t, patterns.StrategyAggressive, cfg.GC.Strategy)
	assert.Equal(t, 12*time.Hour, cfg.GC.Interval)
	assert.True(t, cfg.Events.Enabled)
	assert.Equal(t, "s3cret", cfg.Events.Token.Value())
	assert.Equal(t, zapcore.DebugLevel, cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, []string{"EXAMPLE$"}, cfg.Secrets.AllowList)
	assert.Len(t, cfg.Secrets.Rules, len(secrets.DefaultRules()), "rules keep defaults")

	p := cfg.Proposer.HTTP()
	assert.Equal(t, "http://proposer:8000/propose", p.URL)
	assert.Equal(t, "p-token", p.Token)
	assert.Equal(t, 30*time.Second, p.Timeout)

	e := cfg.Executor.HTTP()
	assert.Equal(t, "http://sandbox:8001/rollback", e.RollbackURL)
	assert.Equal(t, 2*time.Minute, e.Timeout)
	assert.NoError(t, cfg.RequireEndpoints())
}

func TestLoadWithFile_EnvironmentOverride(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 8080
orchestrator:
  max_attempts: 6
`, 0600)

	t.Setenv("HEALERD_SERVER_HTTP_PORT", "7777")
	t.Setenv("HEALERD_ORCHESTRATOR_MAX_ATTEMPTS", "3")
	t.Setenv("HEALERD_BREAKER_MAX_BACKOFF", "2s")
	t.Setenv("HEALERD_PROPOSER_TOKEN", "from-env")
	t.Setenv("HEALERD_SECRETS_ENABLED", "false")
	t.Setenv("HEALERD_LOGGING_OUTPUT__STDOUT", "false")
	t.Setenv("HEALERD_LOGGING_OUTPUT__FILE__PATH", filepath.Join(dir, "healerd.log"))

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Orchestrator.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Breaker.MaxBackoff)
	assert.Equal(t, "from-env", cfg.Proposer.Token.Value())
	assert.False(t, cfg.Secrets.Enabled)
	assert.False(t, cfg.Logging.Output.Stdout)
	assert.Equal(t, filepath.Join(dir, "healerd.log"), cfg.Logging.Output.File.Path)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"HEALERD_SERVER_HTTP_PORT":             "server.http_port",
		"HEALERD_GC_THRESHOLD_ROWS":            "gc.threshold_rows",
		"HEALERD_TELEMETRY_SAMPLING__RATE":     "telemetry.sampling.rate",
		"HEALERD_LOGGING_OUTPUT__FILE__PATH":   "logging.output.file.path",
		"HEALERD_STORE":                        "store",
		"HEALERD_CONFIDENCE_WEIGHTS__COVERAGE": "confidence.weights.coverage",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestLoadWithFile_InsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 8080\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_ReadOnlyPermissionsAccepted(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 8081\n", 0400)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestLoadWithFile_TooLarge(t *testing.T) {
	dir := setupTestHome(t)
	big := "# " + strings.Repeat("x", maxConfigFileSize) + "\n"
	path := writeConfig(t, dir, big, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadWithFile_PathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	other := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(other, []byte("server:\n  http_port: 1\n"), 0600))

	_, err := LoadWithFile(other)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_SiblingPrefixRejected(t *testing.T) {
	dir := setupTestHome(t)
	sibling := dir + "-evil"
	require.NoError(t, os.MkdirAll(sibling, 0700))

	_, err := LoadWithFile(filepath.Join(sibling, "config.yaml"))
	require.Error(t, err)
}

func TestLoadWithFile_InvalidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server: [unterminated\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}

func TestLoadWithFile_ValidationFailure(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 70000\n", 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
	assert.Contains(t, err.Error(), "server")
}

func TestLoadWithFile_ExplicitEmptyRestoresDefaults(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
events:
  subject_prefix: ""
store:
  path: ""
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)
	assert.Equal(t, "healerd", cfg.Events.SubjectPrefix)
	assert.Equal(t, Default().Store.Path, cfg.Store.Path)
}

func TestEnsureConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	require.NoError(t, EnsureConfigDir())
	info, err := os.Stat(filepath.Join(home, ".config", "healerd"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm())
	}
}
