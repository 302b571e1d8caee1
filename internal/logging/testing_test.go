package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()

	tl.Info(ctx, "session finished", zap.String("outcome", "PROMOTED"))
	tl.AssertLogged(t, zapcore.InfoLevel, "finished")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "finished")
	tl.AssertField(t, "session finished", "outcome", "PROMOTED")
	tl.AssertNoSecrets(t)

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestTestLogger_AssertNoSecretsDetects(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "calling proposer", zap.String("header", "Bearer abc"))

	rec := &recordingTB{TB: t}
	tl.AssertNoSecrets(rec)
	assert.True(t, rec.failed)
}

type recordingTB struct {
	testing.TB
	failed bool
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(string, ...interface{}) { r.failed = true }
