package patterns

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
