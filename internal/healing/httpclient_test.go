package healing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healerd/internal/breaker"
)

func TestHTTPProposer_Propose(t *testing.T) {
	var gotAuth string
	var gotSnap Snapshot
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotSnap)
		_, _ = w.Write([]byte(`{"fix":"x","fix_description":"d"}`))
	}))
	defer srv.Close()

	p := NewHTTPProposer(EndpointConfig{URL: srv.URL, Token: "s3cret", Timeout: time.Second})
	raw, err := p.Propose(context.Background(), Snapshot{LastProtocolError: "previous"})
	require.NoError(t, err)

	_, err = ParseProposal(raw)
	require.NoError(t, err)
	assert.Equal(t, "Bearer s3cret", gotAuth)
	assert.Equal(t, "previous", gotSnap.LastProtocolError)
}

func TestHTTPProposer_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProposer(EndpointConfig{URL: srv.URL})
	_, err := p.Propose(context.Background(), Snapshot{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestHTTPExecutor_ExecuteAndRollback(t *testing.T) {
	var rolledBack string
	mux := http.NewServeMux()
	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		var req ExecutionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 2, req.Attempt)
		_, _ = w.Write([]byte(`{"error_count":3,"by_kind":{"structural":1,"semantic":2},"cpu_percent":12.5,"hard_limit_hit":true}`))
	})
	mux.HandleFunc("/rollback", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		rolledBack = body["session_id"]
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewHTTPExecutor(EndpointConfig{URL: srv.URL + "/execute", RollbackURL: srv.URL + "/rollback"})
	report, err := e.Execute(context.Background(), ExecutionRequest{SessionID: "s1", Attempt: 2, Fix: "x"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.ErrorCount)
	assert.Equal(t, 1, report.ByKind[breaker.KindStructural])
	assert.Equal(t, 2, report.ByKind[breaker.KindSemantic])
	require.NotNil(t, report.CPUPercent)
	assert.InDelta(t, 12.5, *report.CPUPercent, 1e-9)
	assert.True(t, report.HardLimitHit)

	require.NoError(t, e.Rollback(context.Background(), "s1"))
	assert.Equal(t, "s1", rolledBack)
}

func TestHTTPExecutor_BadReport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(EndpointConfig{URL: srv.URL})
	_, err := e.Execute(context.Background(), ExecutionRequest{})
	assert.Error(t, err)
	assert.NoError(t, e.Rollback(context.Background(), "s1"))
}

func TestHTTPExecutor_HonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	e := NewHTTPExecutor(EndpointConfig{URL: srv.URL})
	_, err := e.Execute(ctx, ExecutionRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
