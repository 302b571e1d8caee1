package healing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxResponseBytes bounds proposer and executor response bodies.
const maxResponseBytes = 1 << 20

// EndpointConfig configures an HTTP proposer or executor.
type EndpointConfig struct {
	URL         string
	RollbackURL string
	Token       string
	Timeout     time.Duration
}

type endpoint struct {
	token  string
	client *http.Client
}

func newEndpoint(cfg EndpointConfig) endpoint {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return endpoint{
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}
}

// post sends v as JSON and returns the response body of a 2xx reply.
func (e endpoint) post(ctx context.Context, url string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("%s returned %d: %s", url, resp.StatusCode, msg)
	}
	return data, nil
}

// HTTPProposer asks a remote fix proposer for fixes.
type HTTPProposer struct {
	url string
	endpoint
}

// NewHTTPProposer creates a proposer posting snapshots to cfg.URL.
func NewHTTPProposer(cfg EndpointConfig) *HTTPProposer {
	return &HTTPProposer{url: cfg.URL, endpoint: newEndpoint(cfg)}
}

// Propose posts the snapshot and returns the raw response body.
func (p *HTTPProposer) Propose(ctx context.Context, snap Snapshot) ([]byte, error) {
	return p.post(ctx, p.url, snap)
}

// HTTPExecutor runs fixes through a remote sandbox.
type HTTPExecutor struct {
	url         string
	rollbackURL string
	endpoint
}

// NewHTTPExecutor creates an executor posting execution requests to cfg.URL.
func NewHTTPExecutor(cfg EndpointConfig) *HTTPExecutor {
	return &HTTPExecutor{url: cfg.URL, rollbackURL: cfg.RollbackURL, endpoint: newEndpoint(cfg)}
}

// Execute posts the request and decodes the report.
func (e *HTTPExecutor) Execute(ctx context.Context, req ExecutionRequest) (ExecutionReport, error) {
	data, err := e.post(ctx, e.url, req)
	if err != nil {
		return ExecutionReport{}, err
	}
	var report ExecutionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return ExecutionReport{}, fmt.Errorf("decoding execution report: %w", err)
	}
	return report, nil
}

// Rollback asks the sandbox to revert a session. It is a no-op without a rollback URL.
func (e *HTTPExecutor) Rollback(ctx context.Context, sessionID string) error {
	if e.rollbackURL == "" {
		return nil
	}
	_, err := e.post(ctx, e.rollbackURL, map[string]string{"session_id": sessionID})
	return err
}

var (
	_ Proposer   = (*HTTPProposer)(nil)
	_ Executor   = (*HTTPExecutor)(nil)
	_ Rollbacker = (*HTTPExecutor)(nil)
)
