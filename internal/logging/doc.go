// Package logging is healerd's structured logger.
//
// A Logger wraps zap with context-aware methods that inject trace, session
// and request correlation fields:
//
//	logger, err := logging.NewLogger(cfg, nil)
//	ctx = logging.WithSessionID(ctx, id)
//	logger.Info(ctx, "session started", zap.Int("initial_errors", n))
//
// Output goes to stdout, a rotating file, an OpenTelemetry log provider, or
// any combination. Sensitive keys and value patterns are redacted by the
// encoder; errors are never sampled.
//
// Components that only need a *zap.Logger receive Underlying().
package logging
