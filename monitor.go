package settle

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor observes one signal source and emits normalized resource state events.
type Monitor interface {
	// Name identifies the monitor in logs and metrics.
	Name() string

	// Start begins observing. Calling Start on a started monitor does nothing.
	Start()

	// Stop detaches from the source. No event is delivered after Stop returns. Calling Stop on a
	// stopped monitor does nothing.
	Stop()
}

// RequestPhase is the phase of a fetch/XHR request.
type RequestPhase int

const (
	// RequestStarted is reported when the request is initiated.
	RequestStarted RequestPhase = iota
	// RequestSettled is reported when the request has finished or failed.
	RequestSettled
)

// RequestEvent is a fetch/XHR lifecycle signal. ID correlates the two phases of one request.
type RequestEvent struct {
	ID     string
	URL    string
	Phase  RequestPhase
	Time   time.Time
	Failed bool
}

// RequestSource delivers fetch/XHR activity observed outside the process, e.g. in a browser.
type RequestSource interface {
	SubscribeRequests(fn func(RequestEvent)) (unsubscribe func())
}

// MediaKind is the element kind of a media load.
type MediaKind int

const (
	// MediaImage is an img element or image request.
	MediaImage MediaKind = iota
	// MediaAudio is an audio element.
	MediaAudio
	// MediaVideo is a video element.
	MediaVideo
)

// String returns the name of the kind.
func (k MediaKind) String() string {
	switch k {
	case MediaImage:
		return "image"
	case MediaAudio:
		return "audio"
	case MediaVideo:
		return "video"
	default:
		return fmt.Sprintf("MediaKind(%d)", int(k))
	}
}

// MediaPhase is the phase of a media element load.
type MediaPhase int

const (
	// MediaLoadStart is reported when the element starts fetching its source.
	MediaLoadStart MediaPhase = iota
	// MediaLoadEnd is reported when the source has loaded.
	MediaLoadEnd
	// MediaLoadError is reported when loading the source failed.
	MediaLoadError
)

// MediaEvent is an image, audio or video element load signal.
type MediaEvent struct {
	URL   string
	Kind  MediaKind
	Phase MediaPhase
	Time  time.Time
}

// MediaSource delivers media element load activity.
type MediaSource interface {
	SubscribeMedia(fn func(MediaEvent)) (unsubscribe func())
}

// PerformanceEntry is a completed resource timing entry.
type PerformanceEntry struct {
	Name          string // The resource URL
	InitiatorType string
	StartTime     time.Time
	Duration      time.Duration
}

// PerformanceSource delivers batches of resource timing entries.
type PerformanceSource interface {
	SubscribePerformance(fn func([]PerformanceEntry)) (unsubscribe func())
}

// emitter is the delivery core shared by all monitors. It filters ignored URLs, isolates faults
// and guarantees that nothing is delivered once stopped. Each start opens a new session; a
// resource discovered in one session is never completed in another.
type emitter struct {
	name    string
	handler ResourceStateHandler
	ignore  ignoreList
	logger  zerolog.Logger
	sink    MetricsSink

	mu      sync.RWMutex
	active  bool
	session uint64
}

func newEmitter(
	name string,
	handler ResourceStateHandler,
	ignore ignoreList,
	logger zerolog.Logger,
	sink MetricsSink,
) *emitter {
	if sink == nil {
		sink = nopSink{}
	}
	return &emitter{
		name:    name,
		handler: handler,
		ignore:  ignore,
		logger:  logger.With().Str("monitor", name).Logger(),
		sink:    sink,
	}
}

// start activates delivery and returns false if already active.
func (e *emitter) start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return false
	}
	e.active = true
	e.session++
	return true
}

// stop deactivates delivery, waiting for in-progress deliveries, and returns false if already
// stopped.
func (e *emitter) stop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return false
	}
	e.active = false
	return true
}

// currentSession returns the active session token, or 0 if stopped.
func (e *emitter) currentSession() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.active {
		return 0
	}
	return e.session
}

// discovered emits a discovery and returns the session token to complete it with, or 0 when
// nothing was emitted.
func (e *emitter) discovered(url string) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.active || e.ignore.matches(url) {
		return 0
	}
	if !e.deliver(Discovered(url)) {
		return 0
	}
	return e.session
}

// loaded emits a completion for a resource discovered under session.
func (e *emitter) loaded(session uint64, url string, timestamp time.Time, loadTime time.Duration) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.active || session == 0 || session != e.session {
		return
	}
	e.deliver(Loaded(url, timestamp, nonNegative(loadTime)))
}

// deliver invokes the handler and reports whether it returned normally.
func (e *emitter) deliver(ev ResourceStateEvent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.fault(r, ev.URL)
			ok = false
		}
	}()
	e.handler(ev)
	return true
}

// guard runs fn, recovering and reporting any panic. Used around source callbacks.
func (e *emitter) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.fault(r, "")
		}
	}()
	fn()
}

func (e *emitter) fault(r any, url string) {
	e.logger.Error().Str("url", url).Interface("panic", r).Msg("recovered from monitor fault")
	e.sink.ObserveEvent(EventMonitorFault, map[string]any{
		"monitor": e.name,
		"url":     url,
		"panic":   fmt.Sprint(r),
	})
}
