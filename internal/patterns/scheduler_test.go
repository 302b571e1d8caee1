package patterns

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewScheduler_Validation(t *testing.T) {
	_, err := NewScheduler(nil, DefaultSchedulerConfig(), nil)
	assert.Error(t, err)

	cfg := DefaultSchedulerConfig()
	cfg.Strategy = "sweep"
	_, err = NewScheduler(NewMemoryStore(), cfg, nil)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestScheduler_StartStop(t *testing.T) {
	s, err := NewScheduler(NewMemoryStore(), DefaultSchedulerConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.Error(t, s.Start())

	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestScheduler_RunOnce(t *testing.T) {
	store := NewMemoryStore(fixedClock())
	p := promotion("A.B:x", "stale", 0.75)
	p.At = contractNow.Add(-100 * day)
	_, err := store.Record(context.Background(), p)
	require.NoError(t, err)

	s, err := NewScheduler(store, DefaultSchedulerConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := s.RunOnce(StrategyConservative, "manual")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
}

func TestScheduler_ThresholdTriggersAggressiveOncePerWindow(t *testing.T) {
	store := NewMemoryStore(fixedClock())
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		p := promotion("A.B:x", fmt.Sprintf("fix %d", i), 0.75)
		p.At = contractNow.Add(-70 * day)
		if i < 3 {
			p.At = contractNow
		}
		_, err := store.Record(ctx, p)
		require.NoError(t, err)
	}

	cfg := DefaultSchedulerConfig()
	cfg.ThresholdRows = 4
	cfg.CheckInterval = time.Hour
	s, err := NewScheduler(store, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.True(t, s.CheckThreshold())
	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalPatterns)

	// Below threshold now: no run.
	assert.False(t, s.CheckThreshold())

	for i := 0; i < 3; i++ {
		_, err := store.Record(ctx, promotion("A.B:y", fmt.Sprintf("more %d", i), 0.75))
		require.NoError(t, err)
	}
	// Over threshold again, but the limiter allows one run per window.
	assert.False(t, s.CheckThreshold())
}

func TestScheduler_ThresholdDisabled(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.ThresholdRows = 0
	s, err := NewScheduler(NewMemoryStore(), cfg, nil)
	require.NoError(t, err)
	assert.False(t, s.CheckThreshold())
}

func TestScheduler_TickerRuns(t *testing.T) {
	store := NewMemoryStore(fixedClock())
	p := promotion("A.B:x", "stale", 0.75)
	p.At = contractNow.Add(-100 * day)
	_, err := store.Record(context.Background(), p)
	require.NoError(t, err)

	cfg := DefaultSchedulerConfig()
	cfg.Interval = 10 * time.Millisecond
	s, err := NewScheduler(store, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool {
		st, err := store.Stats(context.Background())
		return err == nil && st.TotalPatterns == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSchedulerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultSchedulerConfig().Validate())
	assert.NoError(t, SchedulerConfig{}.Validate())

	cfg := DefaultSchedulerConfig()
	cfg.Interval = 0
	assert.Error(t, cfg.Validate())
}
