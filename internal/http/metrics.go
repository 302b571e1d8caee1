package http

import (
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/healerd/internal/http"

// requestMetrics are the OTEL instruments of the API.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// newRequestMetrics creates the instruments on meter. Instruments that fail
// to register stay nil and are skipped; the joined error reports them.
func newRequestMetrics(meter metric.Meter) (*requestMetrics, error) {
	m := &requestMetrics{}
	var errs []error

	var err error
	if m.requests, err = meter.Int64Counter("healerd.http.requests_total",
		metric.WithDescription("API requests by method, route, status and status class."),
		metric.WithUnit("{request}"),
	); err != nil {
		errs = append(errs, fmt.Errorf("requests_total: %w", err))
	}
	if m.duration, err = meter.Float64Histogram("healerd.http.request_duration_seconds",
		metric.WithDescription("API request latency by method, route and status class."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		errs = append(errs, fmt.Errorf("request_duration_seconds: %w", err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter("healerd.http.active_requests",
		metric.WithDescription("API requests being served."),
		metric.WithUnit("{request}"),
	); err != nil {
		errs = append(errs, fmt.Errorf("active_requests: %w", err))
	}
	return m, errors.Join(errs...)
}

// middleware records one sample per request. The handler error is rendered
// first so the recorded status is the one the client sees.
func (m *requestMetrics) middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if m.inFlight != nil {
			m.inFlight.Add(ctx, 1)
			defer m.inFlight.Add(ctx, -1)
		}

		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		elapsed := time.Since(start).Seconds()

		status := c.Response().Status
		route := attribute.String("route", routeLabel(c.Path()))
		method := attribute.String("method", c.Request().Method)
		class := attribute.String("class", statusClass(status))
		if m.requests != nil {
			m.requests.Add(ctx, 1, metric.WithAttributes(method, route, class, attribute.Int("status", status)))
		}
		if m.duration != nil {
			m.duration.Record(ctx, elapsed, metric.WithAttributes(method, route, class))
		}
		return nil
	}
}

// routeLabel returns the matched route template so session ids never become
// label values.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}
