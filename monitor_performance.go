package settle

import (
	"strings"
	"sync"
)

// coveredInitiators are resource timing initiator types reported by the fetch and media
// monitors. Entries of these types are skipped so each resource is counted once.
var coveredInitiators = map[string]struct{}{
	"fetch":          {},
	"xmlhttprequest": {},
	"img":            {},
	"image":          {},
	"audio":          {},
	"video":          {},
}

// PerformanceMonitor reports resources only visible through resource timing, e.g. stylesheets,
// fonts and scripts inserted by the page. Each entry is emitted as a discovery immediately
// followed by its completion at StartTime+Duration.
type PerformanceMonitor struct {
	em     *emitter
	source PerformanceSource

	lifecycle   sync.Mutex
	unsubscribe func()
}

// NewPerformanceMonitor creates a stopped PerformanceMonitor fed by src.
func NewPerformanceMonitor(
	src PerformanceSource,
	handler ResourceStateHandler,
	opts ...MonitorOption,
) *PerformanceMonitor {
	s := newMonitorSettings(opts)
	return &PerformanceMonitor{
		em:     newEmitter("performance", handler, s.ignore, s.logger, s.sink),
		source: src,
	}
}

// Name returns "performance".
func (m *PerformanceMonitor) Name() string {
	return m.em.name
}

// Start subscribes to the performance source.
func (m *PerformanceMonitor) Start() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.em.start() {
		return
	}
	if m.source != nil {
		m.unsubscribe = m.source.SubscribePerformance(func(entries []PerformanceEntry) {
			for _, entry := range entries {
				m.em.guard(func() { m.handleEntry(entry) })
			}
		})
	}
}

// Stop unsubscribes from the performance source.
func (m *PerformanceMonitor) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if !m.em.stop() {
		return
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

func (m *PerformanceMonitor) handleEntry(entry PerformanceEntry) {
	if _, covered := coveredInitiators[strings.ToLower(entry.InitiatorType)]; covered {
		return
	}
	session := m.em.discovered(entry.Name)
	if session == 0 {
		return
	}
	m.em.loaded(session, entry.Name, entry.StartTime.Add(entry.Duration), entry.Duration)
}
