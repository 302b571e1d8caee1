// Package http serves the healerd API: session control, pattern queries,
// garbage collection and Prometheus metrics.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
	"github.com/fyrsmithlabs/healerd/internal/healing"
	"github.com/fyrsmithlabs/healerd/internal/logging"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

// Sessions is the session control surface the API needs.
type Sessions interface {
	Start(req healing.Request) (string, error)
	Session(id string) (healing.SessionInfo, bool)
	Sessions() []healing.SessionInfo
	Envelope(id string) (envelope.Envelope, bool)
	Cancel(id string) error
	Calibration() *confidence.CalibrationLedger
}

// HealthCheck reports an unhealthy component with a non-nil error.
type HealthCheck func(ctx context.Context) error

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a named component to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithMeterProvider sets the provider of the request instruments. The
// global provider is used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Server) {
		if mp != nil {
			s.meters = mp
		}
	}
}

// Server provides the healerd HTTP API.
type Server struct {
	echo     *echo.Echo
	sessions Sessions
	store    patterns.Store
	logger   *zap.Logger
	config   *Config
	checks   map[string]HealthCheck
	meters   metric.MeterProvider
}

// NewServer creates the API server.
func NewServer(sessions Sessions, store patterns.Store, logger *zap.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if sessions == nil {
		return nil, fmt.Errorf("sessions cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("pattern store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "127.0.0.1", Port: 9191}
	}

	s := &Server{
		echo:     echo.New(),
		sessions: sessions,
		store:    store,
		logger:   logger,
		config:   cfg,
		checks:   make(map[string]HealthCheck),
		meters:   otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	metrics, err := newRequestMetrics(s.meters.Meter(httpInstrumentationName))
	if err != nil {
		logger.Warn("some http instruments are unavailable", zap.Error(err))
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(metrics.middleware)
	e.Use(requestLogger(logger))

	s.registerRoutes()
	return s, nil
}

// requestLogger logs one line per request, correlated by request id.
func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := logging.WithRequestID(c.Request().Context(), c.Response().Header().Get(echo.HeaderXRequestID))
			c.SetRequest(c.Request().WithContext(ctx))

			if err := next(c); err != nil {
				c.Error(err)
			}
			logger.Info("http request", append(logging.ContextFields(ctx),
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)...)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/sessions", s.handleListSessions)
	v1.POST("/sessions", s.handleStartSession)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/cancel", s.handleCancelSession)

	v1.GET("/patterns", s.handleQueryPatterns)
	v1.GET("/patterns/stats", s.handlePatternStats)
	v1.POST("/patterns/gc", s.handleCollect)

	v1.GET("/calibration", s.handleCalibration)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Version: s.config.Version}
	if len(s.checks) > 0 {
		names := make([]string, 0, len(s.checks))
		for name := range s.checks {
			names = append(names, name)
		}
		sort.Strings(names)

		resp.Components = make(map[string]string, len(names))
		for _, name := range names {
			if err := s.checks[name](c.Request().Context()); err != nil {
				resp.Components[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Components[name] = "ok"
		}
	}
	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// errorHandler renders every error as ErrorResponse and maps domain
// sentinels to status codes.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, msg := statusFor(err)
		if code >= http.StatusInternalServerError {
			logger.Error("request failed", append(logging.ContextFields(c.Request().Context()),
				zap.String("path", c.Path()),
				zap.Error(err))...)
		}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, ErrorResponse{Error: msg})
		}
		if err != nil {
			logger.Warn("writing error response", zap.Error(err))
		}
	}
}

func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		return he.Code, fmt.Sprint(he.Message)
	case errors.Is(err, healing.ErrSessionNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, healing.ErrSessionExists):
		return http.StatusConflict, err.Error()
	case errors.Is(err, healing.ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, healing.ErrInvalidRequest),
		errors.Is(err, envelope.ErrInvalidPacket),
		errors.Is(err, envelope.ErrUnsupportedVersion),
		errors.Is(err, patterns.ErrUnknownStrategy):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, patterns.ErrClosed):
		return http.StatusServiceUnavailable, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
