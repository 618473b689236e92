// Package cdpsource turns Chrome DevTools Protocol network events into the request, media and
// performance signals consumed by the settle monitors.
package cdpsource

import (
	"context"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/jkbrsn/settle"
	"github.com/jkbrsn/settle/pkg/fanout"
)

// defaultMaxPending bounds the requests awaiting completion.
const defaultMaxPending = 2048

// signal is the channel a resource type is routed to.
type signal int

const (
	signalSkip signal = iota
	signalRequest
	signalMedia
	signalPerformance
)

// pending is a request seen in requestWillBeSent that has not finished yet.
type pending struct {
	url      string
	signal   signal
	kind     settle.MediaKind
	initType string
	wall     time.Time // Wall-clock start
	mono     time.Time // Monotonic start, only meaningful for differences
}

// Option is a functional option for the Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

// WithMaxPending bounds the number of requests tracked between start and completion.
func WithMaxPending(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.maxPending = n
		}
	}
}

// WithClock replaces the wall clock used when events carry no timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// Source implements settle.RequestSource, settle.MediaSource and settle.PerformanceSource on
// top of the CDP Network domain. Every request is routed to exactly one of the three signals.
type Source struct {
	logger     zerolog.Logger
	maxPending int
	now        func() time.Time

	requests    *fanout.Hub[settle.RequestEvent]
	media       *fanout.Hub[settle.MediaEvent]
	performance *fanout.Hub[[]settle.PerformanceEntry]

	mu      sync.Mutex
	pending map[network.RequestID]pending
}

// New creates a Source. Events are fed either by Attach or by calling HandleEvent directly.
func New(opts ...Option) *Source {
	s := &Source{
		logger:     zerolog.Nop(),
		maxPending: defaultMaxPending,
		now:        time.Now,
		pending:    make(map[network.RequestID]pending),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "cdpsource").Logger()

	onFault := func(r any) {
		s.logger.Error().Err(fanout.PanicError{Value: r}).Msg("recovered from subscriber fault")
	}
	s.requests = fanout.New[settle.RequestEvent](onFault)
	s.media = fanout.New[settle.MediaEvent](onFault)
	s.performance = fanout.New[[]settle.PerformanceEntry](onFault)
	return s
}

// Attach listens to the target of the chromedp context ctx. The Network domain must be enabled
// on the target, e.g. by running network.Enable().
func (s *Source) Attach(ctx context.Context) {
	chromedp.ListenTarget(ctx, s.HandleEvent)
}

// SubscribeRequests implements settle.RequestSource.
func (s *Source) SubscribeRequests(fn func(settle.RequestEvent)) func() {
	return s.requests.Subscribe(fn)
}

// SubscribeMedia implements settle.MediaSource.
func (s *Source) SubscribeMedia(fn func(settle.MediaEvent)) func() {
	return s.media.Subscribe(fn)
}

// SubscribePerformance implements settle.PerformanceSource.
func (s *Source) SubscribePerformance(fn func([]settle.PerformanceEntry)) func() {
	return s.performance.Subscribe(fn)
}

// Pending returns the number of requests awaiting completion.
func (s *Source) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// HandleEvent processes one CDP event. Unrelated events are ignored.
func (s *Source) HandleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		s.onRequestWillBeSent(e)
	case *network.EventLoadingFinished:
		s.onFinished(e.RequestID, e.Timestamp, false)
	case *network.EventLoadingFailed:
		s.onFinished(e.RequestID, e.Timestamp, true)
	}
}

func (s *Source) onRequestWillBeSent(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	sig, kind, initType := classify(e.Type)
	if sig == signalSkip {
		return
	}
	if e.Type == network.ResourceTypeMedia {
		kind, initType = mediaKind(e.Request.URL)
	}

	wall := s.now()
	if e.WallTime != nil {
		wall = e.WallTime.Time()
	}
	var mono time.Time
	if e.Timestamp != nil {
		mono = e.Timestamp.Time()
	}

	s.mu.Lock()
	if old, redirected := s.pending[e.RequestID]; redirected {
		// Redirect hops reuse the request ID; keep the original start and URL.
		s.mu.Unlock()
		s.logger.Trace().Str("url", e.Request.URL).Str("original", old.url).Msg("redirect")
		return
	}
	if len(s.pending) >= s.maxPending {
		s.mu.Unlock()
		s.logger.Debug().Str("url", e.Request.URL).Msg("pending table full, skipping request")
		return
	}
	p := pending{
		url:      e.Request.URL,
		signal:   sig,
		kind:     kind,
		initType: initType,
		wall:     wall,
		mono:     mono,
	}
	s.pending[e.RequestID] = p
	s.mu.Unlock()

	switch sig {
	case signalRequest:
		s.requests.Publish(settle.RequestEvent{
			ID:    string(e.RequestID),
			URL:   p.url,
			Phase: settle.RequestStarted,
			Time:  wall,
		})
	case signalMedia:
		s.media.Publish(settle.MediaEvent{
			URL:   p.url,
			Kind:  kind,
			Phase: settle.MediaLoadStart,
			Time:  wall,
		})
	}
}

func (s *Source) onFinished(id network.RequestID, ts *cdp.MonotonicTime, failed bool) {
	s.mu.Lock()
	p, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	duration := time.Duration(0)
	if ts != nil && !p.mono.IsZero() {
		duration = ts.Time().Sub(p.mono)
	} else {
		duration = s.now().Sub(p.wall)
	}
	if duration < 0 {
		duration = 0
	}
	end := p.wall.Add(duration)

	switch p.signal {
	case signalRequest:
		s.requests.Publish(settle.RequestEvent{
			ID:     string(id),
			URL:    p.url,
			Phase:  settle.RequestSettled,
			Time:   end,
			Failed: failed,
		})
	case signalMedia:
		phase := settle.MediaLoadEnd
		if failed {
			phase = settle.MediaLoadError
		}
		s.media.Publish(settle.MediaEvent{URL: p.url, Kind: p.kind, Phase: phase, Time: end})
	case signalPerformance:
		s.performance.Publish([]settle.PerformanceEntry{{
			Name:          p.url,
			InitiatorType: p.initType,
			StartTime:     p.wall,
			Duration:      duration,
		}})
	}
}

// classify routes a CDP resource type to a signal. Long-lived connections and CORS preflights
// never finish like a page resource and are skipped.
func classify(t network.ResourceType) (signal, settle.MediaKind, string) {
	switch t {
	case network.ResourceTypeXHR:
		return signalRequest, 0, "xmlhttprequest"
	case network.ResourceTypeFetch:
		return signalRequest, 0, "fetch"
	case network.ResourceTypeImage:
		return signalMedia, settle.MediaImage, "img"
	case network.ResourceTypeMedia:
		// Refined by mediaKind; CDP reports audio and video alike.
		return signalMedia, settle.MediaVideo, "video"
	case network.ResourceTypeWebSocket, network.ResourceTypeEventSource, network.ResourceTypePreflight:
		return signalSkip, 0, ""
	case network.ResourceTypeStylesheet:
		return signalPerformance, 0, "link"
	case network.ResourceTypeScript:
		return signalPerformance, 0, "script"
	case network.ResourceTypeFont:
		return signalPerformance, 0, "css"
	case network.ResourceTypeDocument:
		return signalPerformance, 0, "navigation"
	default:
		return signalPerformance, 0, "other"
	}
}

// audioExtensions are file extensions of audio-only media.
var audioExtensions = map[string]struct{}{
	".aac": {}, ".flac": {}, ".m4a": {}, ".mp3": {}, ".oga": {}, ".opus": {}, ".wav": {}, ".weba": {},
}

// mediaKind guesses audio or video for a Media request from the URL path, since the resource type
// does not tell them apart and the MIME type is only known once the response arrives. Anything
// not recognized as audio counts as video.
func mediaKind(rawURL string) (settle.MediaKind, string) {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	if _, ok := audioExtensions[strings.ToLower(path.Ext(p))]; ok {
		return settle.MediaAudio, "audio"
	}
	return settle.MediaVideo, "video"
}
