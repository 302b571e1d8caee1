package healing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/healerd/internal/breaker"
	"github.com/fyrsmithlabs/healerd/internal/envelope"
)

func startSession(t *testing.T, r *Registry, id string, at time.Time) *session {
	t.Helper()
	env, err := envelope.New(id, syntaxPacket(), at)
	require.NoError(t, err)
	pair, err := breaker.NewPair(testBreakerConfig(), breaker.Counts{Structural: 3})
	require.NoError(t, err)
	s, err := r.start(env, pair, 3, at)
	require.NoError(t, err)
	return s
}

func TestRegistry_EvictsOldestFinished(t *testing.T) {
	r := NewRegistry(2)
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	var sessions []*session
	for i := 0; i < 4; i++ {
		sessions = append(sessions, startSession(t, r, fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	for _, s := range sessions[:3] {
		env, err := s.env.Close(envelope.OutcomeEscalated, base)
		require.NoError(t, err)
		r.finish(s, env, "", base)
	}

	_, ok := r.Session("s0")
	assert.False(t, ok)
	for _, id := range []string{"s1", "s2", "s3"} {
		_, ok := r.Session(id)
		assert.True(t, ok, id)
	}

	list := r.Sessions()
	require.Len(t, list, 3)
	assert.Equal(t, "s3", list[0].ID)
	assert.Equal(t, StatusRunning, list[0].Status)
	assert.Equal(t, StatusFinished, list[1].Status)
}

func TestRegistry_Cancel(t *testing.T) {
	r := NewRegistry(4)
	s := startSession(t, r, "c1", time.Now())

	assert.ErrorIs(t, r.Cancel("missing"), ErrSessionNotFound)
	require.NoError(t, r.Cancel("c1"))
	assert.True(t, s.cancelled.Load())

	info, ok := r.Session("c1")
	require.True(t, ok)
	assert.True(t, info.CancelRequest)
}

func TestRegistry_RestartFinishedID(t *testing.T) {
	r := NewRegistry(4)
	now := time.Now()
	s := startSession(t, r, "again", now)

	env, err := envelope.New("again", syntaxPacket(), now)
	require.NoError(t, err)
	pair, err := breaker.NewPair(testBreakerConfig(), breaker.Counts{})
	require.NoError(t, err)
	_, err = r.start(env, pair, 0, now)
	assert.ErrorIs(t, err, ErrSessionExists)

	closed, err := s.env.Close(envelope.OutcomeAbandoned, now)
	require.NoError(t, err)
	r.finish(s, closed, "", now)

	_, err = r.start(env, pair, 0, now)
	require.NoError(t, err)
	info, _ := r.Session("again")
	assert.Equal(t, StatusRunning, info.Status)
	assert.Len(t, r.Sessions(), 1)
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry(4)
	startSession(t, r, "copy", time.Now())

	info, _ := r.Session("copy")
	info.BreakerStates[breaker.KindStructural] = breaker.StateOpen

	again, _ := r.Session("copy")
	assert.Equal(t, breaker.StateClosed, again.BreakerStates[breaker.KindStructural])
}
