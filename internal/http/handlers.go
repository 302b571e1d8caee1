package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/healing"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

// maxPatternLimit caps GET /api/v1/patterns?limit=.
const maxPatternLimit = 50

func (s *Server) handleStartSession(c echo.Context) error {
	var req healing.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid session request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	id, err := s.sessions.Start(req)
	if err != nil {
		return err
	}
	s.logger.Info("session accepted",
		zap.String("session.id", id),
		zap.String("error_code", req.Packet.ErrorCode))
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/sessions/"+id)
	return c.JSON(http.StatusAccepted, StartSessionResponse{ID: id})
}

func (s *Server) handleListSessions(c echo.Context) error {
	status := healing.Status(c.QueryParam("status"))
	all := s.sessions.Sessions()
	out := make([]healing.SessionInfo, 0, len(all))
	for _, info := range all {
		if status == "" || info.Status == status {
			out = append(out, info)
		}
	}
	return c.JSON(http.StatusOK, SessionsResponse{Sessions: out, Count: len(out)})
}

func (s *Server) handleGetSession(c echo.Context) error {
	id := c.Param("id")
	info, ok := s.sessions.Session(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	resp := SessionResponse{Session: info}
	if env, ok := s.sessions.Envelope(id); ok {
		resp.Envelope = &env
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancelSession(c echo.Context) error {
	id := c.Param("id")
	if err := s.sessions.Cancel(id); err != nil {
		return err
	}
	info, _ := s.sessions.Session(id)
	return c.JSON(http.StatusAccepted, CancelResponse{ID: id, CancelRequested: info.CancelRequest})
}

func (s *Server) handleQueryPatterns(c echo.Context) error {
	var q patterns.Query
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &q); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
	}
	if q.ErrorCode == "" && q.ClusterID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "error_code or cluster_id is required")
	}
	if q.Limit > maxPatternLimit {
		q.Limit = maxPatternLimit
	}
	matches, err := s.store.Query(c.Request().Context(), q)
	if err != nil {
		return err
	}
	if matches == nil {
		matches = []patterns.Match{}
	}
	return c.JSON(http.StatusOK, PatternsResponse{Matches: matches, Count: len(matches)})
}

func (s *Server) handlePatternStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleCollect(c echo.Context) error {
	req := GCRequest{Strategy: patterns.StrategyConservative}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Strategy == "" {
		req.Strategy = patterns.StrategyConservative
	}
	res, err := s.store.Collect(c.Request().Context(), req.Strategy, req.DryRun)
	if err != nil {
		return err
	}
	s.logger.Info("pattern gc via api",
		zap.String("strategy", string(res.Strategy)),
		zap.Bool("dry_run", res.DryRun),
		zap.Int("deleted", res.Deleted),
		zap.Int("protected", res.Protected))
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleCalibration(c echo.Context) error {
	ledger := s.sessions.Calibration()
	if ledger == nil {
		return c.JSON(http.StatusOK, CalibrationResponse{Buckets: []confidence.Bucket{}})
	}
	return c.JSON(http.StatusOK, CalibrationResponse{
		Buckets:                  ledger.Reliability(),
		ExpectedCalibrationError: ledger.ExpectedCalibrationError(),
	})
}
