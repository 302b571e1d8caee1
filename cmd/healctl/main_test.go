package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healerd/internal/envelope"
	"github.com/fyrsmithlabs/healerd/internal/healing"
	httpserver "github.com/fyrsmithlabs/healerd/internal/http"
	"github.com/fyrsmithlabs/healerd/internal/patterns"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// seedStore creates a store with one gold and one low-value pattern, the
// latter last used 100 days ago.
func seedStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patterns.db")
	old := time.Now().Add(-100 * 24 * time.Hour)
	store, err := patterns.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	_, err = store.Record(ctx, patterns.Promotion{
		ErrorCode: "SYNTAX.MISSING_COLON", ClusterID: "SYNTAX.MISSING_COLON:parse_args",
		FixDescription: "add colon", Confidence: 0.95,
	})
	require.NoError(t, err)
	_, err = store.Record(ctx, patterns.Promotion{
		ErrorCode: "SYNTAX.MISSING_COLON", ClusterID: "SYNTAX.MISSING_COLON:load",
		FixDescription: "add colon after def", Confidence: 0.75, At: old,
	})
	require.NoError(t, err)
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "healctl dev\n", out)
}

func TestPatternsStats(t *testing.T) {
	db := seedStore(t)

	out, err := execute(t, "patterns", "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Patterns:   2")
	assert.Contains(t, out, "GOLD_STANDARD")

	out, err = execute(t, "patterns", "stats", "--db", db, "--json")
	require.NoError(t, err)
	var st patterns.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.TotalPatterns)
	assert.Equal(t, 1, st.ByTier[patterns.TierGold])
}

func TestPatternsQuery(t *testing.T) {
	db := seedStore(t)

	out, err := execute(t, "patterns", "query", "--db", db, "--cluster-id", "SYNTAX.MISSING_COLON:parse_args", "--json")
	require.NoError(t, err)
	var matches []patterns.Match
	require.NoError(t, json.Unmarshal([]byte(out), &matches))
	require.NotEmpty(t, matches)
	assert.Equal(t, patterns.LevelCluster, matches[0].Level)

	out, err = execute(t, "patterns", "query", "--db", db, "--error-code", "SYNTAX.UNCLOSED")
	require.NoError(t, err)
	assert.Contains(t, out, "family (advisory)")

	_, err = execute(t, "patterns", "query", "--db", db)
	assert.ErrorContains(t, err, "--error-code or --cluster-id is required")
}

func TestGC(t *testing.T) {
	db := seedStore(t)

	out, err := execute(t, "gc", "--db", db, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "would delete 1 pattern(s)")
	assert.Contains(t, out, "SYNTAX.MISSING_COLON:load")

	out, err = execute(t, "gc", "--db", db, "--json")
	require.NoError(t, err)
	var res patterns.GCResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Deleted)

	out, err = execute(t, "patterns", "stats", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Patterns:   1")

	_, err = execute(t, "gc", "--db", db, "--strategy", "everything")
	assert.ErrorIs(t, err, patterns.ErrUnknownStrategy)
}

func TestMissingStore(t *testing.T) {
	_, err := execute(t, "patterns", "stats", "--db", filepath.Join(t.TempDir(), "nope.db"))
	assert.Error(t, err)
}

func TestSessionsList(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/sessions", r.URL.Path)
		assert.Equal(t, "finished", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(httpserver.SessionsResponse{
			Sessions: []healing.SessionInfo{{
				ID: "s-1", Status: healing.StatusFinished, Outcome: envelope.OutcomePromoted,
				Attempts: 4, ErrorCode: "SYNTAX.MISSING_COLON", StartedAt: started,
			}},
			Count: 1,
		})
	}))
	defer srv.Close()

	out, err := execute(t, "sessions", "list", "--server", srv.URL, "--status", "finished")
	require.NoError(t, err)
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "PROMOTED")
	assert.Contains(t, out, "SYNTAX.MISSING_COLON")
}

func TestSessionsList_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := execute(t, "sessions", "list", "--server", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
