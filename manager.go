package settle

import (
	"context"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// Manager coordinates the monitors and decides when a navigation has settled. It tracks
// in-flight resources by URL reference count and owns exactly one live measurement.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	sink   MetricsSink

	requestSource     RequestSource
	mediaSource       MediaSource
	performanceSource PerformanceSource

	fetch    *FetchMonitor
	monitors []Monitor

	lifecycle  sync.Mutex
	monitoring *atomic.Bool
	dropped    *atomic.Int64

	mu          sync.Mutex
	loadingURLs map[string]int
	inFlight    int
	current     *QuietPeriodAwaiter
}

// New creates a stopped Manager. Invalid settings fall back to defaults with a warning.
func New(opts ...Option) *Manager {
	m := &Manager{
		cfg:         DefaultConfig(),
		logger:      zerolog.Nop(),
		sink:        nopSink{},
		monitoring:  atomic.NewBool(false),
		dropped:     atomic.NewInt64(0),
		loadingURLs: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		m.sink = nopSink{}
	}
	m.logger = m.logger.With().Str("component", "settle").Logger()
	m.cfg = m.cfg.normalize(m.logger)

	monitorOpts := []MonitorOption{
		WithMonitorIgnoreURLs(m.cfg.IgnoreURLs...),
		WithMonitorLogger(m.logger),
		WithMonitorSink(m.sink),
	}
	m.fetch = NewFetchMonitor(m.requestSource, m.onResourceStateChange, monitorOpts...)
	m.monitors = append(m.monitors, m.fetch)
	if m.mediaSource != nil {
		m.monitors = append(m.monitors,
			NewMediaMonitor(m.mediaSource, m.onResourceStateChange, monitorOpts...))
	}
	if m.performanceSource != nil {
		m.monitors = append(m.monitors,
			NewPerformanceMonitor(m.performanceSource, m.onResourceStateChange, monitorOpts...))
	}

	return m
}

// Config returns the effective configuration, including the beacon ignore rule.
func (m *Manager) Config() Config {
	cfg := m.cfg
	cfg.IgnoreURLs = slices.Clone(m.cfg.IgnoreURLs)
	return cfg
}

// Start starts all monitors. Calling Start on a started Manager only logs.
func (m *Manager) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.monitoring.Load() {
		m.logger.Debug().Msg("monitoring already started")
		return
	}
	for _, mon := range m.monitors {
		mon.Start()
	}
	m.monitoring.Store(true)
	m.logger.Debug().Int("monitors", len(m.monitors)).Msg("monitoring started")
	m.sink.ObserveEvent(EventMonitoringStarted, nil)
}

// Stop stops all monitors and forgets tracked resources. An armed quiet timer keeps running; a
// measurement waiting on in-flight resources stays pending until the next WaitForPageLoad
// completes it.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.monitoring.Load() {
		return
	}
	// Monitors deliver into onResourceStateChange, so they are stopped before taking m.mu.
	for _, mon := range m.monitors {
		mon.Stop()
	}
	m.mu.Lock()
	clear(m.loadingURLs)
	m.inFlight = 0
	m.mu.Unlock()

	m.monitoring.Store(false)
	m.logger.Debug().Msg("monitoring stopped")
	m.sink.ObserveEvent(EventMonitoringStopped, nil)
}

// IsMonitoring reports whether the monitors are running.
func (m *Manager) IsMonitoring() bool {
	return m.monitoring.Load()
}

// WaitForPageLoad starts a new measurement anchored at startTime. The previous measurement, if
// any, is completed first. If nothing is in flight the quiet timer is armed right away,
// otherwise it is armed once the in-flight count drops to zero.
//
// While monitoring is stopped no activity is reported, so the measurement resolves on its quiet
// timer alone.
func (m *Manager) WaitForPageLoad(startTime time.Time) *Measurement {
	awaiter := NewQuietPeriodAwaiter(m.cfg.QuietTime, startTime)
	awaiter.onResolve = func(res PageLoad) {
		m.observeResolved(awaiter, res)
	}

	m.mu.Lock()
	previous := m.current
	stillLoading := m.inFlight > 0
	if previous != nil {
		previous.Complete(stillLoading)
	}
	m.current = awaiter
	if !stillLoading {
		awaiter.StartQuietTimer(startTime)
	}
	inFlight := m.inFlight
	m.mu.Unlock()

	m.logger.Debug().
		Str("measurement", awaiter.ID().String()).
		Time("start", startTime).
		Int("in_flight", inFlight).
		Msg("waiting for page load")
	m.sink.ObserveEvent(EventMeasurementStart, map[string]any{
		"id":        awaiter.ID().String(),
		"in_flight": inFlight,
	})

	return &Measurement{awaiter: awaiter}
}

// onResourceStateChange applies a monitor event to the reference counts and the current
// measurement.
func (m *Manager) onResourceStateChange(ev ResourceStateEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.State {
	case ResourceDiscovered:
		if m.inFlight >= m.cfg.MaxResourcesToWatch {
			m.dropped.Inc()
			m.logger.Debug().
				Str("url", ev.URL).
				Int("max_resources_to_watch", m.cfg.MaxResourcesToWatch).
				Msg("resource cap reached, dropping discovery")
			m.sink.ObserveEvent(EventResourceDropped, map[string]any{"url": ev.URL})
			return
		}
		m.loadingURLs[ev.URL]++
		m.inFlight++
		if m.current != nil {
			m.current.RemoveQuietTimer()
		}

	case ResourceLoaded:
		if count, ok := m.loadingURLs[ev.URL]; ok {
			if count <= 1 {
				delete(m.loadingURLs, ev.URL)
			} else {
				m.loadingURLs[ev.URL] = count - 1
			}
			m.inFlight--
		}
		if m.inFlight == 0 && m.current != nil {
			m.current.StartQuietTimer(ev.Timestamp)
		}
	}
}

func (m *Manager) observeResolved(a *QuietPeriodAwaiter, res PageLoad) {
	m.logger.Debug().
		Str("measurement", a.ID().String()).
		Dur("load_time", res.LoadTime).
		Str("reason", res.Reason.String()).
		Msg("page load resolved")
	m.sink.ObserveMeasurement(MeasurementMetrics{
		ID:                            a.ID().String(),
		StartTime:                     a.StartTime(),
		LoadTime:                      res.LoadTime,
		TimestampOfLastLoadedResource: res.TimestampOfLastLoadedResource,
		Reason:                        res.Reason.String(),
	})
}

// Transport wraps base so that in-process HTTP calls count as page resources.
func (m *Manager) Transport(base http.RoundTripper) http.RoundTripper {
	return m.fetch.Transport(base)
}

// HTTPClient returns a copy of base whose calls count as page resources.
func (m *Manager) HTTPClient(base *http.Client) *http.Client {
	return m.fetch.Client(base)
}

// DialWebSocket dials urlStr, counting the handshake as a page resource.
func (m *Manager) DialWebSocket(
	ctx context.Context,
	dialer *websocket.Dialer,
	urlStr string,
	header http.Header,
) (*websocket.Conn, *http.Response, error) {
	return m.fetch.DialWebSocket(ctx, dialer, urlStr, header)
}

// Snapshot is a point-in-time view of the tracked resources.
type Snapshot struct {
	LoadingURLs map[string]int
	InFlight    int
	Dropped     int64
	Monitoring  bool
}

// Snapshot returns a copy of the current tracking state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		LoadingURLs: maps.Clone(m.loadingURLs),
		InFlight:    m.inFlight,
		Dropped:     m.dropped.Load(),
		Monitoring:  m.monitoring.Load(),
	}
}

// Measurement is the caller's handle on a page load measurement.
type Measurement struct {
	awaiter *QuietPeriodAwaiter
}

// ID returns the unique identifier of the measurement.
func (ms *Measurement) ID() xid.ID {
	return ms.awaiter.ID()
}

// StartTime returns the anchor of the measurement.
func (ms *Measurement) StartTime() time.Time {
	return ms.awaiter.StartTime()
}

// Done returns a channel closed once the measurement has resolved.
func (ms *Measurement) Done() <-chan struct{} {
	return ms.awaiter.Done()
}

// Result returns the result and true once resolved.
func (ms *Measurement) Result() (PageLoad, bool) {
	return ms.awaiter.Result()
}

// Wait blocks until the measurement resolves or ctx is done.
func (ms *Measurement) Wait(ctx context.Context) (PageLoad, error) {
	return ms.awaiter.Wait(ctx)
}
