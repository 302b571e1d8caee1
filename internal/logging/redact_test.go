package logging

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type testSecret string

func (s testSecret) Value() string { return string(s) }

func encode(t *testing.T, cfg RedactionConfig, msg string, fields ...zap.Field) string {
	t.Helper()
	enc, err := NewRedactingEncoder(newEncoder("json"), cfg)
	require.NoError(t, err)
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: msg, Time: time.Unix(0, 0)}, fields)
	require.NoError(t, err)
	defer buf.Free()
	return buf.String()
}

func TestRedactingEncoder_Keys(t *testing.T) {
	out := encode(t, NewDefaultConfig().Redaction, "call",
		zap.String("Authorization", "Bearer xyz"),
		zap.String("token", "abc"),
		zap.Strings("api_key", []string{"k"}),
		zap.String("cluster_id", "SYNTAX:f"))

	assert.Contains(t, out, `"Authorization":"[REDACTED]"`)
	assert.Contains(t, out, `"token":"[REDACTED]"`)
	assert.Contains(t, out, `"api_key":"[REDACTED]"`)
	assert.Contains(t, out, `"cluster_id":"SYNTAX:f"`)
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	out := encode(t, NewDefaultConfig().Redaction, "got bearer abc.def",
		zap.String("header", "Bearer abc.def"))

	assert.NotContains(t, out, "abc.def")
	assert.Contains(t, out, `"header":"[REDACTED:pattern]"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	out := encode(t, RedactionConfig{Enabled: false, Patterns: []string{"(bad"}}, "m", zap.String("token", "abc"))
	assert.Contains(t, out, `"token":"abc"`)
}

func TestNewRedactingEncoder_Errors(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"(bad"}})
	assert.Error(t, err)

	_, err = NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{strings.Repeat("x", 201)}})
	assert.Error(t, err)
}

func TestRedactingEncoder_WithFields(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)
	clone := enc.Clone()
	zap.String("secret", "shh").AddTo(clone)

	buf, err := clone.EncodeEntry(zapcore.Entry{Message: "m"}, nil)
	require.NoError(t, err)
	defer buf.Free()
	assert.Contains(t, buf.String(), `"secret":"[REDACTED]"`)
}

func TestSecretAndRedactedString(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "creds", Secret("proposer_token", testSecret("abcdef")), RedactedString("raw", "12345"))

	entries := tl.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, map[string]interface{}{"value": "[REDACTED:6]"}, ctx["proposer_token"])
	assert.Equal(t, "[REDACTED:5]", ctx["raw"])
}
