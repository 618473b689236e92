package settle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitResult(t *testing.T, a *QuietPeriodAwaiter) PageLoad {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := a.Wait(ctx)
	require.NoError(t, err, "awaiter did not resolve")
	return res
}

func TestQuietPeriodAwaiter_ResolvesAfterQuietWindow(t *testing.T) {
	start := time.Now()
	a := NewQuietPeriodAwaiter(50*time.Millisecond, start)
	require.False(t, a.ID().IsNil())
	require.True(t, a.StartTime().Equal(start))

	lastLoaded := start.Add(10 * time.Millisecond)
	a.StartQuietTimer(lastLoaded)

	res := waitResult(t, a)
	assert.Equal(t, 10*time.Millisecond, res.LoadTime)
	assert.True(t, res.TimestampOfLastLoadedResource.Equal(lastLoaded))
	assert.Equal(t, ReasonQuiet, res.Reason)
	assert.False(t, a.timerArmed())
}

func TestQuietPeriodAwaiter_RemoveQuietTimer(t *testing.T) {
	start := time.Now()
	a := NewQuietPeriodAwaiter(30*time.Millisecond, start)

	a.StartQuietTimer(start)
	require.True(t, a.timerArmed())
	a.RemoveQuietTimer()
	require.False(t, a.timerArmed())

	time.Sleep(90 * time.Millisecond)
	_, resolved := a.Result()
	require.False(t, resolved, "removed timer must not resolve the awaiter")

	// Removing without a timer is a no-op.
	a.RemoveQuietTimer()

	lastLoaded := start.Add(75 * time.Millisecond)
	a.StartQuietTimer(lastLoaded)
	res := waitResult(t, a)
	assert.Equal(t, 75*time.Millisecond, res.LoadTime)
}

func TestQuietPeriodAwaiter_RestartExtendsWindow(t *testing.T) {
	start := time.Now()
	a := NewQuietPeriodAwaiter(200*time.Millisecond, start)

	a.StartQuietTimer(start)
	time.Sleep(100 * time.Millisecond)
	second := start.Add(100 * time.Millisecond)
	a.StartQuietTimer(second)

	// The first timer would have fired by now.
	time.Sleep(150 * time.Millisecond)
	_, resolved := a.Result()
	require.False(t, resolved)

	res := waitResult(t, a)
	assert.True(t, res.TimestampOfLastLoadedResource.Equal(second))
	assert.Equal(t, 100*time.Millisecond, res.LoadTime)
}

func TestQuietPeriodAwaiter_StaleFireIsDiscarded(t *testing.T) {
	start := time.Now()
	a := NewQuietPeriodAwaiter(time.Hour, start)

	a.StartQuietTimer(start)
	a.mu.Lock()
	gen := a.generation
	a.mu.Unlock()

	a.RemoveQuietTimer()
	a.fire(gen, start)

	_, resolved := a.Result()
	assert.False(t, resolved)
}

func TestQuietPeriodAwaiter_Complete(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(250 * time.Millisecond)

	testCases := []struct {
		name         string
		lastResource time.Duration // Offset from start, zero means no timer was ever armed
		stillLoading bool
		wantLoadTime time.Duration
	}{
		{name: "no activity", wantLoadTime: 250 * time.Millisecond},
		{name: "no activity still loading", stillLoading: true, wantLoadTime: 250 * time.Millisecond},
		{name: "settled resource", lastResource: 40 * time.Millisecond, wantLoadTime: 40 * time.Millisecond},
		{
			name:         "resource still loading",
			lastResource: 40 * time.Millisecond,
			stillLoading: true,
			wantLoadTime: 250 * time.Millisecond,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a := NewQuietPeriodAwaiter(time.Hour, start)
			a.now = func() time.Time { return now }
			if tc.lastResource > 0 {
				a.StartQuietTimer(start.Add(tc.lastResource))
			}

			a.Complete(tc.stillLoading)

			res, resolved := a.Result()
			require.True(t, resolved)
			assert.Equal(t, tc.wantLoadTime, res.LoadTime)
			assert.True(t, res.TimestampOfLastLoadedResource.Equal(start.Add(tc.wantLoadTime)))
			assert.Equal(t, ReasonCompleted, res.Reason)
			assert.False(t, a.timerArmed())

			select {
			case <-a.Done():
			default:
				t.Fatal("done channel not closed")
			}
		})
	}
}

func TestQuietPeriodAwaiter_CompleteBeforeTimerAtStart(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewQuietPeriodAwaiter(time.Hour, start)
	a.now = func() time.Time { return start }

	a.Complete(false)

	res, resolved := a.Result()
	require.True(t, resolved)
	assert.Zero(t, res.LoadTime)
	assert.True(t, res.TimestampOfLastLoadedResource.Equal(start))
	assert.Equal(t, ReasonCompleted, res.Reason)
}

func TestQuietPeriodAwaiter_ResolvesOnce(t *testing.T) {
	start := time.Now()
	a := NewQuietPeriodAwaiter(time.Hour, start)
	calls := 0
	a.onResolve = func(PageLoad) { calls++ }

	a.Complete(true)
	first, _ := a.Result()

	a.Complete(false)
	a.StartQuietTimer(start.Add(time.Second))
	a.RemoveQuietTimer()

	second, resolved := a.Result()
	require.True(t, resolved)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	assert.False(t, a.timerArmed())
}

func TestQuietPeriodAwaiter_LoadTimeNeverNegative(t *testing.T) {
	start := time.Now()
	a := NewQuietPeriodAwaiter(10*time.Millisecond, start)

	// Resource timestamps earlier than the anchor clamp to zero.
	a.StartQuietTimer(start.Add(-time.Second))
	res := waitResult(t, a)
	assert.Zero(t, res.LoadTime)

	b := NewQuietPeriodAwaiter(time.Hour, start.Add(time.Hour))
	b.Complete(true)
	res, _ = b.Result()
	assert.Zero(t, res.LoadTime)
}

func TestQuietPeriodAwaiter_WaitHonorsContext(t *testing.T) {
	a := NewQuietPeriodAwaiter(time.Hour, time.Now())
	a.StartQuietTimer(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Giving up leaves the awaiter running.
	_, resolved := a.Result()
	assert.False(t, resolved)
	assert.True(t, a.timerArmed())
	a.Complete(false)
}

func TestReasonString(t *testing.T) {
	assert.Equal(t, "quiet", ReasonQuiet.String())
	assert.Equal(t, "completed", ReasonCompleted.String())
	assert.Equal(t, "unknown", Reason(0).String())
}
