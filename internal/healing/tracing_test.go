package healing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/healerd/internal/convergence"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
	"github.com/fyrsmithlabs/healerd/internal/telemetry"
)

func TestOrchestrator_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	o, err := New(DefaultConfig(), testBreakerConfig(), convergence.DefaultConfig(), Deps{
		Proposer: fixes(0.4, 0.95),
		Executor: counts(5, 0),
		Store:    patterns.NewMemoryStore(),
		Scorer:   modelScorer{},
	}, WithLogger(zaptest.NewLogger(t)), WithTracer(tel.Tracer(instrumentationName)))
	require.NoError(t, err)

	res, err := o.Run(context.Background(), Request{Packet: syntaxPacket(), InitialErrorCount: 9})
	require.NoError(t, err)
	require.Equal(t, envelope.OutcomePromoted, res.Outcome)

	tel.AssertSpanExists(t, "healing.session")
	tel.AssertSpanAttribute(t, "healing.session", "outcome", string(envelope.OutcomePromoted))
	tel.AssertSpanAttribute(t, "healing.session", "attempts", int64(2))
	tel.AssertSpanAttribute(t, "healing.session", "session.id", res.SessionID)

	attempts := tel.SpansNamed("healing.attempt")
	require.Len(t, attempts, 2)
	session := tel.SpanByName("healing.session")
	for _, a := range attempts {
		assert.Equal(t, session.SpanContext().SpanID(), a.Parent().SpanID())
	}
	tel.AssertSpanAttribute(t, "healing.attempt", "errors.before", int64(9))
	tel.AssertSpanAttribute(t, "healing.attempt", "errors.after", int64(5))
	tel.AssertSpanAttribute(t, "healing.attempt", "watchdog.triggered", false)
}
