package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func fieldMap(ctx context.Context) map[string]interface{} {
	out := make(map[string]interface{})
	for _, f := range ContextFields(ctx) {
		if f.String != "" {
			out[f.Key] = f.String
		} else {
			out[f.Key] = f.Integer == 1
		}
	}
	return out
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestContextFields_Trace(t *testing.T) {
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	fields := fieldMap(ctx)
	assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), fields["span_id"])
	assert.Equal(t, true, fields["trace_sampled"])
}

func TestContextFields_SessionAndRequest(t *testing.T) {
	ctx := WithSessionID(context.Background(), "4f0c2f7e-9d1b-4b1c-8f6a-2b7a1f3e9c10")
	ctx = WithRequestID(ctx, "req_42")

	fields := fieldMap(ctx)
	assert.Equal(t, "4f0c2f7e-9d1b-4b1c-8f6a-2b7a1f3e9c10", fields["session.id"])
	assert.Equal(t, "req_42", fields["request.id"])
}

func TestWithSessionID_InvalidIsDropped(t *testing.T) {
	for _, id := range []string{"", "has space", "semi;colon", strings.Repeat("a", 129)} {
		ctx := WithSessionID(context.Background(), id)
		assert.Empty(t, SessionIDFromContext(ctx), id)
	}
}

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("sess-1"))
	assert.NoError(t, ValidateID("SYNTAX.MISSING_COLON:parse"))
	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("bad/id"))
	assert.Error(t, ValidateID(string([]byte{0xff})))
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}
