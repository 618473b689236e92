package settle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitMeasurement(t *testing.T, ms *Measurement) PageLoad {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := ms.Wait(ctx)
	require.NoError(t, err, "measurement did not resolve")
	return res
}

func TestNew_Defaults(t *testing.T) {
	m := New()
	cfg := m.Config()

	assert.Equal(t, 5*time.Second, cfg.QuietTime)
	assert.Equal(t, 100, cfg.MaxResourcesToWatch)
	assert.NotNil(t, cfg.IgnoreURLs)
	assert.Empty(t, cfg.IgnoreURLs)
	assert.False(t, m.IsMonitoring())
	require.Len(t, m.monitors, 1, "only the fetch monitor without sources")
	assert.Equal(t, "fetch", m.monitors[0].Name())
}

func TestNew_Options(t *testing.T) {
	testCases := []struct {
		name       string
		opts       []Option
		wantQuiet  time.Duration
		wantMax    int
		wantIgnore int
	}{
		{
			name: "custom values",
			opts: []Option{
				WithQuietTime(2000 * time.Millisecond),
				WithIgnoreURLs(IgnoreExact("https://example.com/health")),
			},
			wantQuiet:  2 * time.Second,
			wantMax:    DefaultMaxResourcesToWatch,
			wantIgnore: 1,
		},
		{
			name:       "invalid values fall back to defaults",
			opts:       []Option{WithQuietTime(-time.Second), WithMaxResourcesToWatch(0)},
			wantQuiet:  DefaultQuietTime,
			wantMax:    DefaultMaxResourcesToWatch,
			wantIgnore: 0,
		},
		{
			name: "options after WithConfig win",
			opts: []Option{
				WithConfig(Config{QuietTime: time.Second, MaxResourcesToWatch: 10}),
				WithMaxResourcesToWatch(20),
			},
			wantQuiet:  time.Second,
			wantMax:    20,
			wantIgnore: 0,
		},
		{
			name: "beacon endpoint adds a rule",
			opts: []Option{
				WithIgnoreURLs(IgnoreExact("https://example.com/health")),
				WithBeaconEndpoint("https://rum-ingest.example.com/v1/rum"),
			},
			wantQuiet:  DefaultQuietTime,
			wantMax:    DefaultMaxResourcesToWatch,
			wantIgnore: 2,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := New(tc.opts...).Config()
			assert.Equal(t, tc.wantQuiet, cfg.QuietTime)
			assert.Equal(t, tc.wantMax, cfg.MaxResourcesToWatch)
			assert.Len(t, cfg.IgnoreURLs, tc.wantIgnore)
		})
	}
}

func TestNew_BeaconOriginIgnored(t *testing.T) {
	m := New(WithBeaconEndpoint("https://rum-ingest.example.com/v1/rum"))
	rules := ignoreList(m.Config().IgnoreURLs)

	assert.True(t, rules.matches("https://rum-ingest.example.com/anything"))
	assert.True(t, rules.matches("https://rum-ingest.example.com"))
	assert.False(t, rules.matches("https://other.com/path"))
	assert.False(t, rules.matches("https://rum-ingest.example.com.evil.net/x"))
}

func TestManager_ConfigReturnsCopy(t *testing.T) {
	m := New(WithIgnoreURLs(IgnoreExact("https://example.com/a")))
	cfg := m.Config()
	cfg.IgnoreURLs[0] = IgnoreExact("https://example.com/b")

	assert.Equal(t, "https://example.com/a", m.Config().IgnoreURLs[0].String())
}

func TestManager_StartStopIdempotent(t *testing.T) {
	sink := &recordingSink{}
	m := New(WithMetricsSink(sink), WithLogger(zerolog.Nop()))

	m.Start()
	m.Start()
	assert.True(t, m.IsMonitoring())
	assert.Equal(t, 1, sink.count(EventMonitoringStarted))

	m.Stop()
	m.Stop()
	assert.False(t, m.IsMonitoring())
	assert.Equal(t, 1, sink.count(EventMonitoringStopped))

	m.Start()
	assert.True(t, m.Snapshot().Monitoring)
	m.Stop()
}

func TestManager_WaitForPageLoadWithNothingInFlight(t *testing.T) {
	sink := &recordingSink{}
	m := New(WithQuietTime(50*time.Millisecond), WithMetricsSink(sink))
	m.Start()
	defer m.Stop()

	start := time.Now()
	ms := m.WaitForPageLoad(start)
	require.True(t, ms.StartTime().Equal(start))

	res := waitMeasurement(t, ms)
	assert.Zero(t, res.LoadTime)
	assert.True(t, res.TimestampOfLastLoadedResource.Equal(start))
	assert.Equal(t, ReasonQuiet, res.Reason)
	assert.WithinDuration(t, start.Add(50*time.Millisecond), time.Now(), 500*time.Millisecond)

	require.Eventually(t, func() bool { return len(sink.measurementsSeen()) == 1 },
		time.Second, 5*time.Millisecond)
	got := sink.measurementsSeen()[0]
	assert.Equal(t, ms.ID().String(), got.ID)
	assert.Equal(t, "quiet", got.Reason)
	assert.Equal(t, 1, sink.count(EventMeasurementStart))
}

func TestManager_ResourceLifecycleDrivesTimer(t *testing.T) {
	m := New(WithQuietTime(50 * time.Millisecond))
	start := time.Now()
	ms := m.WaitForPageLoad(start)
	require.True(t, ms.awaiter.timerArmed())

	m.onResourceStateChange(Discovered("https://example.com/a.js"))
	assert.False(t, ms.awaiter.timerArmed(), "discovery removes the quiet timer")
	snap := m.Snapshot()
	assert.Equal(t, 1, snap.InFlight)
	assert.Equal(t, map[string]int{"https://example.com/a.js": 1}, snap.LoadingURLs)

	m.onResourceStateChange(Loaded("https://example.com/a.js", start.Add(30*time.Millisecond),
		30*time.Millisecond))
	snap = m.Snapshot()
	assert.Zero(t, snap.InFlight)
	assert.Empty(t, snap.LoadingURLs)

	res := waitMeasurement(t, ms)
	assert.Equal(t, 30*time.Millisecond, res.LoadTime)
	assert.Equal(t, ReasonQuiet, res.Reason)
}

func TestManager_SameURLIsReferenceCounted(t *testing.T) {
	m := New(WithQuietTime(time.Hour))
	start := time.Now()
	ms := m.WaitForPageLoad(start)
	url := "https://api.example.com/items"

	m.onResourceStateChange(Discovered(url))
	m.onResourceStateChange(Discovered(url))
	assert.Equal(t, map[string]int{url: 2}, m.Snapshot().LoadingURLs)
	assert.Equal(t, 2, m.Snapshot().InFlight)

	m.onResourceStateChange(Loaded(url, start.Add(10*time.Millisecond), 10*time.Millisecond))
	assert.Equal(t, map[string]int{url: 1}, m.Snapshot().LoadingURLs)
	assert.False(t, ms.awaiter.timerArmed(), "one call is still loading")

	m.onResourceStateChange(Loaded(url, start.Add(20*time.Millisecond), 20*time.Millisecond))
	assert.Empty(t, m.Snapshot().LoadingURLs)
	assert.True(t, ms.awaiter.timerArmed())
}

func TestManager_ResourceCap(t *testing.T) {
	sink := &recordingSink{}
	m := New(WithQuietTime(time.Hour), WithMaxResourcesToWatch(2), WithMetricsSink(sink))
	start := time.Now()
	ms := m.WaitForPageLoad(start)

	m.onResourceStateChange(Discovered("a"))
	m.onResourceStateChange(Discovered("b"))
	m.onResourceStateChange(Discovered("c"))

	snap := m.Snapshot()
	assert.Equal(t, 2, snap.InFlight)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, snap.LoadingURLs)
	assert.Equal(t, int64(1), snap.Dropped)
	assert.Equal(t, 1, sink.count(EventResourceDropped))
	assert.Equal(t, "c", sink.lastFields(EventResourceDropped)["url"])

	// The dropped resource's completion leaves the counts alone.
	m.onResourceStateChange(Loaded("c", start, 0))
	assert.Equal(t, 2, m.Snapshot().InFlight)
	assert.False(t, ms.awaiter.timerArmed())

	// Room frees up once a resource finishes, and the next discovery is accepted.
	m.onResourceStateChange(Loaded("a", start, 0))
	m.onResourceStateChange(Discovered("c"))
	snap = m.Snapshot()
	assert.Equal(t, map[string]int{"b": 1, "c": 1}, snap.LoadingURLs)
	assert.Equal(t, 2, snap.InFlight)
	assert.Equal(t, int64(1), snap.Dropped)

	m.onResourceStateChange(Loaded("b", start, 0))
	m.onResourceStateChange(Loaded("c", start, 0))
	assert.Zero(t, m.Snapshot().InFlight)
	assert.True(t, ms.awaiter.timerArmed())
}

func TestManager_UntrackedLoadRearmsWhenIdle(t *testing.T) {
	m := New(WithQuietTime(40 * time.Millisecond))
	start := time.Now()
	ms := m.WaitForPageLoad(start)

	m.onResourceStateChange(Loaded("https://example.com/late.png", start.Add(5*time.Millisecond),
		5*time.Millisecond))
	assert.Zero(t, m.Snapshot().InFlight)

	res := waitMeasurement(t, ms)
	assert.Equal(t, 5*time.Millisecond, res.LoadTime)
}

func TestManager_NewMeasurementCompletesPrevious(t *testing.T) {
	t.Run("while loading", func(t *testing.T) {
		m := New(WithQuietTime(time.Hour))
		start := time.Now()
		m.onResourceStateChange(Discovered("a"))

		first := m.WaitForPageLoad(start)
		require.False(t, first.awaiter.timerArmed(), "a resource is in flight")

		second := m.WaitForPageLoad(start.Add(time.Second))
		res, resolved := first.Result()
		require.True(t, resolved)
		assert.Equal(t, ReasonCompleted, res.Reason)
		assert.NotEqual(t, first.ID(), second.ID())

		_, resolved = second.Result()
		assert.False(t, resolved)
		assert.False(t, second.awaiter.timerArmed())

		m.onResourceStateChange(Loaded("a", start.Add(2*time.Second), 2*time.Second))
		assert.True(t, second.awaiter.timerArmed())
	})

	t.Run("while idle", func(t *testing.T) {
		m := New(WithQuietTime(time.Hour))
		start := time.Now()

		first := m.WaitForPageLoad(start)
		m.onResourceStateChange(Loaded("x", start.Add(20*time.Millisecond), 20*time.Millisecond))
		m.WaitForPageLoad(start.Add(time.Second))

		res, resolved := first.Result()
		require.True(t, resolved)
		assert.Equal(t, ReasonCompleted, res.Reason)
		assert.Equal(t, 20*time.Millisecond, res.LoadTime)
	})
}

func TestManager_StopForgetsResources(t *testing.T) {
	m := New()
	m.Start()
	m.onResourceStateChange(Discovered("a"))
	require.Equal(t, 1, m.Snapshot().InFlight)

	m.Stop()
	snap := m.Snapshot()
	assert.Zero(t, snap.InFlight)
	assert.Empty(t, snap.LoadingURLs)
}

func TestManager_ConcurrentEvents(t *testing.T) {
	m := New(WithQuietTime(time.Hour), WithMaxResourcesToWatch(1000))
	ms := m.WaitForPageLoad(time.Now())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url := fmt.Sprintf("https://example.com/%d", i%5)
			for range 50 {
				m.onResourceStateChange(Discovered(url))
				m.onResourceStateChange(Loaded(url, time.Now(), 0))
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	assert.Zero(t, snap.InFlight)
	assert.Empty(t, snap.LoadingURLs)
	assert.True(t, ms.awaiter.timerArmed())
}

func TestManager_MonitorsFeedMeasurement(t *testing.T) {
	reqs := &fakeRequestSource{}
	media := &fakeMediaSource{}
	perf := &fakePerformanceSource{}
	m := New(
		WithQuietTime(50*time.Millisecond),
		WithRequestSource(reqs),
		WithMediaSource(media),
		WithPerformanceSource(perf),
	)
	require.Len(t, m.monitors, 3)
	m.Start()
	defer m.Stop()

	start := time.Now()
	ms := m.WaitForPageLoad(start)

	reqs.emit(RequestEvent{ID: "1", URL: "https://api.example.com/user", Phase: RequestStarted,
		Time: start.Add(time.Millisecond)})
	media.emit(MediaEvent{URL: "https://cdn.example.com/hero.jpg", Kind: MediaImage,
		Phase: MediaLoadStart, Time: start.Add(2 * time.Millisecond)})
	assert.Equal(t, 2, m.Snapshot().InFlight)

	reqs.emit(RequestEvent{ID: "1", URL: "https://api.example.com/user", Phase: RequestSettled,
		Time: start.Add(10 * time.Millisecond)})
	media.emit(MediaEvent{URL: "https://cdn.example.com/hero.jpg", Kind: MediaImage,
		Phase: MediaLoadEnd, Time: start.Add(20 * time.Millisecond)})
	perf.emit(PerformanceEntry{
		Name:          "https://cdn.example.com/app.css",
		InitiatorType: "link",
		StartTime:     start.Add(5 * time.Millisecond),
		Duration:      30 * time.Millisecond,
	})
	assert.Zero(t, m.Snapshot().InFlight)

	res := waitMeasurement(t, ms)
	assert.Equal(t, 35*time.Millisecond, res.LoadTime)
	assert.Equal(t, ReasonQuiet, res.Reason)
}

func TestManager_IgnoredURLsNeverTracked(t *testing.T) {
	reqs := &fakeRequestSource{}
	m := New(
		WithRequestSource(reqs),
		WithIgnoreURLs(IgnoreExact("https://example.com/poll")),
		WithBeaconEndpoint("https://rum.example.com/v1/rum"),
	)
	m.Start()
	defer m.Stop()

	reqs.emit(RequestEvent{ID: "1", URL: "https://example.com/poll", Phase: RequestStarted})
	reqs.emit(RequestEvent{ID: "2", URL: "https://rum.example.com/v1/rum?batch=1", Phase: RequestStarted})
	assert.Zero(t, m.Snapshot().InFlight)

	reqs.emit(RequestEvent{ID: "3", URL: "https://example.com/data", Phase: RequestStarted})
	assert.Equal(t, 1, m.Snapshot().InFlight)
}

func TestManager_StoppedManagerIgnoresSources(t *testing.T) {
	reqs := &fakeRequestSource{}
	m := New(WithRequestSource(reqs))
	m.Start()
	m.Stop()
	assert.Zero(t, reqs.hub.Len())

	reqs.emit(RequestEvent{ID: "1", URL: "https://example.com/data", Phase: RequestStarted})
	assert.Zero(t, m.Snapshot().InFlight)
}

func TestManager_HTTPClientCountsCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	m := New(WithQuietTime(time.Hour))
	m.Start()
	defer m.Stop()
	client := m.HTTPClient(server.Client())

	resp, err := client.Get(server.URL + "/data")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{server.URL + "/data": 1}, m.Snapshot().LoadingURLs)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "ok", string(body))
	assert.Zero(t, m.Snapshot().InFlight)
}
