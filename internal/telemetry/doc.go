// Package telemetry sets up OpenTelemetry tracing and metrics for healerd.
//
// New installs OTLP trace and metric providers (gRPC or HTTP/protobuf) as the
// global providers, so packages that call otel.Tracer pick them up. Export
// failures degrade the instance instead of failing startup.
//
//	tel, err := telemetry.New(ctx, cfg, telemetry.WithLogger(logger))
//	defer tel.Shutdown(ctx)
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	tt.AssertSpanExists(t, "healing.session")
package telemetry
