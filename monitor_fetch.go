package settle

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// maxPendingSourceEvents bounds the start records a monitor keeps while waiting for the
	// matching completion from a source. Starts beyond it are not reported.
	maxPendingSourceEvents = 4096
)

// MonitorOption is a functional option for the monitors.
type MonitorOption func(*monitorSettings)

type monitorSettings struct {
	ignore ignoreList
	logger zerolog.Logger
	sink   MetricsSink
	now    func() time.Time
}

func newMonitorSettings(opts []MonitorOption) monitorSettings {
	s := monitorSettings{logger: zerolog.Nop(), sink: nopSink{}, now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithMonitorIgnoreURLs makes the monitor drop URLs matching any of the rules.
func WithMonitorIgnoreURLs(rules ...IgnoreRule) MonitorOption {
	return func(s *monitorSettings) { s.ignore = append(s.ignore, rules...) }
}

// WithMonitorLogger sets the monitor's logger.
func WithMonitorLogger(logger zerolog.Logger) MonitorOption {
	return func(s *monitorSettings) { s.logger = logger }
}

// WithMonitorSink sets the sink monitor faults are reported to.
func WithMonitorSink(sink MetricsSink) MonitorOption {
	return func(s *monitorSettings) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// pendingRequest is a fetch/XHR start awaiting its settlement.
type pendingRequest struct {
	url     string
	start   time.Time
	session uint64
}

// FetchMonitor tracks network calls. In-process calls are observed through the transport
// returned by Transport; browser fetch/XHR calls come from an optional RequestSource.
type FetchMonitor struct {
	em     *emitter
	source RequestSource
	now    func() time.Time

	lifecycle   sync.Mutex
	unsubscribe func()

	mu      sync.Mutex
	pending map[string]pendingRequest
}

// NewFetchMonitor creates a stopped FetchMonitor. src may be nil.
func NewFetchMonitor(
	src RequestSource,
	handler ResourceStateHandler,
	opts ...MonitorOption,
) *FetchMonitor {
	s := newMonitorSettings(opts)
	return &FetchMonitor{
		em:      newEmitter("fetch", handler, s.ignore, s.logger, s.sink),
		source:  src,
		now:     s.now,
		pending: make(map[string]pendingRequest),
	}
}

// Name returns "fetch".
func (m *FetchMonitor) Name() string {
	return m.em.name
}

// Start begins reporting network calls.
func (m *FetchMonitor) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.em.start() {
		return
	}
	if m.source != nil {
		m.unsubscribe = m.source.SubscribeRequests(func(ev RequestEvent) {
			m.em.guard(func() { m.handleRequest(ev) })
		})
	}
}

// Stop stops reporting. Calls still in flight complete without being reported.
func (m *FetchMonitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.em.stop() {
		return
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.mu.Lock()
	clear(m.pending)
	m.mu.Unlock()
}

func (m *FetchMonitor) handleRequest(ev RequestEvent) {
	at := ev.Time
	if at.IsZero() {
		at = m.now()
	}

	switch ev.Phase {
	case RequestStarted:
		m.mu.Lock()
		full := len(m.pending) >= maxPendingSourceEvents
		m.mu.Unlock()
		if full {
			m.em.logger.Debug().Str("url", ev.URL).Msg("too many pending requests, skipping")
			return
		}
		session := m.em.discovered(ev.URL)
		if session == 0 {
			return
		}
		m.mu.Lock()
		m.pending[ev.ID] = pendingRequest{url: ev.URL, start: at, session: session}
		m.mu.Unlock()

	case RequestSettled:
		m.mu.Lock()
		p, ok := m.pending[ev.ID]
		delete(m.pending, ev.ID)
		m.mu.Unlock()
		if !ok {
			return
		}
		m.em.loaded(p.session, p.url, at, at.Sub(p.start))
	}
}

// Transport wraps base so that every round trip is reported: discovered when initiated, loaded
// when the response body is fully read or closed, or when the round trip fails. A nil base
// means http.DefaultTransport.
func (m *FetchMonitor) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &fetchTransport{base: base, monitor: m}
}

// Client returns a shallow copy of base whose transport is wrapped by Transport. A nil base
// means http.DefaultClient.
func (m *FetchMonitor) Client(base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	c := *base
	c.Transport = m.Transport(base.Transport)
	return &c
}

// DialWebSocket dials a WebSocket endpoint, reporting the opening handshake as a resource. A nil
// dialer means websocket.DefaultDialer.
func (m *FetchMonitor) DialWebSocket(
	ctx context.Context,
	dialer *websocket.Dialer,
	urlStr string,
	header http.Header,
) (*websocket.Conn, *http.Response, error) {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	start := m.now()
	session := m.em.discovered(urlStr)

	conn, resp, err := dialer.DialContext(ctx, urlStr, header)

	end := m.now()
	m.em.loaded(session, urlStr, end, end.Sub(start))
	return conn, resp, err
}

// fetchTransport is the http.RoundTripper returned by FetchMonitor.Transport.
type fetchTransport struct {
	base    http.RoundTripper
	monitor *FetchMonitor
}

// RoundTrip reports the request around the underlying round trip.
func (t *fetchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m := t.monitor
	u := req.URL.String()
	start := m.now()
	session := m.em.discovered(u)

	resp, err := t.base.RoundTrip(req)
	if session == 0 {
		return resp, err
	}

	if err != nil || resp == nil || resp.Body == nil || resp.Body == http.NoBody {
		end := m.now()
		m.em.loaded(session, u, end, end.Sub(start))
		return resp, err
	}

	resp.Body = &timedReadCloser{
		rc: resp.Body,
		doneFn: func() {
			end := m.now()
			m.em.loaded(session, u, end, end.Sub(start))
		},
	}
	return resp, nil
}
