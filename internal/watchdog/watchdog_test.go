package watchdog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func ptr(v float64) *float64 { return &v }

func newTestWatchdog(cfg Config) (*Watchdog, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(cfg, WithClock(clock.Now)), clock
}

func TestWatchdog_NotTriggered(t *testing.T) {
	w, clock := newTestWatchdog(DefaultConfig())

	w.Begin("s1/1")
	clock.Advance(time.Second)
	ev, err := w.End("s1/1", Observed{CPUPercent: ptr(40)})
	require.NoError(t, err)

	assert.False(t, ev.Triggered)
	assert.Equal(t, SuspicionNone, ev.Suspicion)
	assert.Equal(t, time.Second, ev.Elapsed)
	assert.Empty(t, ev.Reasons)
}

func TestWatchdog_Grades(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		obs     Observed
		want    Suspicion
		reasons []string
	}{
		{"slow", 6 * time.Second, Observed{}, SuspicionSuspicious, []string{"elapsed"}},
		{"very slow", 10 * time.Second, Observed{}, SuspicionDanger, []string{"elapsed"}},
		{"hung", 20 * time.Second, Observed{}, SuspicionExtreme, []string{"elapsed"}},
		{"hot cpu", time.Second, Observed{CPUPercent: ptr(99)}, SuspicionSuspicious, []string{"cpu"}},
		{"hard limit", time.Second, Observed{HardLimitHit: true}, SuspicionExtreme, []string{"hard_limit"}},
		{"timeout", time.Second, Observed{TimedOut: true}, SuspicionDanger, []string{"timeout"}},
		{"timeout and hung", 30 * time.Second, Observed{TimedOut: true}, SuspicionExtreme, []string{"elapsed", "timeout"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, clock := newTestWatchdog(DefaultConfig())
			w.Begin("k")
			clock.Advance(tt.elapsed)

			ev, err := w.End("k", tt.obs)
			require.NoError(t, err)
			assert.True(t, ev.Triggered)
			assert.Equal(t, tt.want, ev.Suspicion)
			assert.Equal(t, tt.reasons, ev.Reasons)
		})
	}
}

func TestWatchdog_MemoryThresholdOptional(t *testing.T) {
	w, _ := newTestWatchdog(DefaultConfig())
	w.Begin("k")
	ev, err := w.End("k", Observed{MemoryMB: ptr(100000)})
	require.NoError(t, err)
	assert.False(t, ev.Triggered)

	cfg := DefaultConfig()
	cfg.MemoryThresholdMB = 512
	w, _ = newTestWatchdog(cfg)
	w.Begin("k")
	ev, err = w.End("k", Observed{MemoryMB: ptr(1024)})
	require.NoError(t, err)
	assert.True(t, ev.Triggered)
	assert.Equal(t, SuspicionDanger, ev.Suspicion)
	assert.InDelta(t, 2.0, ev.Severity, 1e-9)
}

func TestWatchdog_UnknownKey(t *testing.T) {
	w, _ := newTestWatchdog(DefaultConfig())
	_, err := w.End("missing", Observed{})
	assert.ErrorIs(t, err, ErrUnknownKey)

	w.Begin("k")
	_, err = w.End("k", Observed{})
	require.NoError(t, err)
	_, err = w.End("k", Observed{})
	assert.ErrorIs(t, err, ErrUnknownKey)
}

func TestWatchdog_PendingConcurrent(t *testing.T) {
	w := New(DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w.Begin(fmt.Sprintf("k%d", i))
		}(i)
	}
	wg.Wait()
	assert.Len(t, w.Pending(), 10)

	for i := 0; i < 10; i++ {
		_, err := w.End(fmt.Sprintf("k%d", i), Observed{})
		require.NoError(t, err)
	}
	assert.Empty(t, w.Pending())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{CPUThresholdPercent: 90}.Validate())
	assert.Error(t, Config{ElapsedThreshold: time.Second, CPUThresholdPercent: 90, MemoryThresholdMB: -1}.Validate())
}
