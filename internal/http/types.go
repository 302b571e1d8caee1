package http

import (
	"github.com/fyrsmithlabs/healerd/internal/confidence"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
	"github.com/fyrsmithlabs/healerd/internal/healing"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Components map[string]string `json:"components,omitempty"`
}

// StartSessionResponse is the response body for POST /api/v1/sessions.
type StartSessionResponse struct {
	ID string `json:"id"`
}

// SessionsResponse is the response body for GET /api/v1/sessions.
type SessionsResponse struct {
	Sessions []healing.SessionInfo `json:"sessions"`
	Count    int                   `json:"count"`
}

// SessionResponse is the response body for GET /api/v1/sessions/:id.
type SessionResponse struct {
	Session  healing.SessionInfo `json:"session"`
	Envelope *envelope.Envelope  `json:"envelope,omitempty"`
}

// CancelResponse is the response body for POST /api/v1/sessions/:id/cancel.
type CancelResponse struct {
	ID              string `json:"id"`
	CancelRequested bool   `json:"cancel_requested"`
}

// PatternsResponse is the response body for GET /api/v1/patterns.
type PatternsResponse struct {
	Matches []patterns.Match `json:"matches"`
	Count   int              `json:"count"`
}

// GCRequest is the request body for POST /api/v1/patterns/gc.
type GCRequest struct {
	Strategy patterns.Strategy `json:"strategy"`
	DryRun   bool              `json:"dry_run"`
}

// CalibrationResponse is the response body for GET /api/v1/calibration.
type CalibrationResponse struct {
	Buckets                  []confidence.Bucket `json:"buckets"`
	ExpectedCalibrationError float64             `json:"expected_calibration_error"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
