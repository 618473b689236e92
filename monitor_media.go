package settle

import (
	"sync"
	"time"
)

// pendingMedia is a media load start awaiting its end.
type pendingMedia struct {
	start   time.Time
	session uint64
}

// MediaMonitor tracks image, audio and video element loads. Ends are matched to starts of the
// same URL in FIFO order; ends without a matching start are dropped.
type MediaMonitor struct {
	em     *emitter
	source MediaSource
	now    func() time.Time

	lifecycle   sync.Mutex
	unsubscribe func()

	mu      sync.Mutex
	pending map[string][]pendingMedia
	count   int
}

// NewMediaMonitor creates a stopped MediaMonitor fed by src.
func NewMediaMonitor(src MediaSource, handler ResourceStateHandler, opts ...MonitorOption) *MediaMonitor {
	s := newMonitorSettings(opts)
	return &MediaMonitor{
		em:      newEmitter("media", handler, s.ignore, s.logger, s.sink),
		source:  src,
		now:     s.now,
		pending: make(map[string][]pendingMedia),
	}
}

// Name returns "media".
func (m *MediaMonitor) Name() string {
	return m.em.name
}

// Start subscribes to the media source.
func (m *MediaMonitor) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.em.start() {
		return
	}
	if m.source != nil {
		m.unsubscribe = m.source.SubscribeMedia(func(ev MediaEvent) {
			m.em.guard(func() { m.handleMedia(ev) })
		})
	}
}

// Stop unsubscribes from the media source and forgets pending loads.
func (m *MediaMonitor) Stop() {
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
	m.count = 0
	m.mu.Unlock()
}

func (m *MediaMonitor) handleMedia(ev MediaEvent) {
	at := ev.Time
	if at.IsZero() {
		at = m.now()
	}

	switch ev.Phase {
	case MediaLoadStart:
		m.mu.Lock()
		full := m.count >= maxPendingSourceEvents
		m.mu.Unlock()
		if full {
			m.em.logger.Debug().Str("url", ev.URL).Msg("too many pending media loads, skipping")
			return
		}
		session := m.em.discovered(ev.URL)
		if session == 0 {
			return
		}
		m.mu.Lock()
		// A Stop racing with the discovery may already have cleared the table.
		if session == m.em.currentSession() {
			m.pending[ev.URL] = append(m.pending[ev.URL], pendingMedia{start: at, session: session})
			m.count++
		}
		m.mu.Unlock()

	case MediaLoadEnd, MediaLoadError:
		p, ok := m.popPending(ev.URL)
		if !ok {
			return
		}
		if ev.Phase == MediaLoadError {
			m.em.logger.Debug().Str("url", ev.URL).Str("kind", ev.Kind.String()).
				Msg("media failed to load")
		}
		m.em.loaded(p.session, ev.URL, at, at.Sub(p.start))
	}
}

// popPending removes and returns the oldest start of url from the current session. Starts left
// over from earlier sessions are discarded on the way.
func (m *MediaMonitor) popPending(url string) (pendingMedia, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := m.em.currentSession()
	queue := m.pending[url]
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		m.count--
		if p.session == session {
			m.storeQueue(url, queue)
			return p, true
		}
	}
	m.storeQueue(url, queue)
	return pendingMedia{}, false
}

func (m *MediaMonitor) storeQueue(url string, queue []pendingMedia) {
	if len(queue) == 0 {
		delete(m.pending, url)
		return
	}
	m.pending[url] = queue
}
