package settle

import (
	"maps"
	"sync"

	"github.com/jkbrsn/settle/pkg/fanout"
)

//
// Fake signal sources
//

type fakeRequestSource struct {
	hub fanout.Hub[RequestEvent]
}

func (s *fakeRequestSource) SubscribeRequests(fn func(RequestEvent)) func() {
	return s.hub.Subscribe(fn)
}

func (s *fakeRequestSource) emit(ev RequestEvent) {
	s.hub.Publish(ev)
}

type fakeMediaSource struct {
	hub fanout.Hub[MediaEvent]
}

func (s *fakeMediaSource) SubscribeMedia(fn func(MediaEvent)) func() {
	return s.hub.Subscribe(fn)
}

func (s *fakeMediaSource) emit(ev MediaEvent) {
	s.hub.Publish(ev)
}

type fakePerformanceSource struct {
	hub fanout.Hub[[]PerformanceEntry]
}

func (s *fakePerformanceSource) SubscribePerformance(fn func([]PerformanceEntry)) func() {
	return s.hub.Subscribe(fn)
}

func (s *fakePerformanceSource) emit(entries ...PerformanceEntry) {
	s.hub.Publish(entries)
}

//
// Recorders
//

// eventRecorder collects the events delivered to a ResourceStateHandler.
type eventRecorder struct {
	mu     sync.Mutex
	events []ResourceStateEvent
}

func (r *eventRecorder) handle(ev ResourceStateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []ResourceStateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ResourceStateEvent(nil), r.events...)
}

func (r *eventRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// recordingSink is a MetricsSink remembering everything it observes.
type recordingSink struct {
	mu           sync.Mutex
	measurements []MeasurementMetrics
	events       []string
	fields       []map[string]any
}

func (s *recordingSink) ObserveMeasurement(m MeasurementMetrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.measurements = append(s.measurements, m)
}

func (s *recordingSink) ObserveEvent(name string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, name)
	s.fields = append(s.fields, maps.Clone(fields))
}

func (s *recordingSink) measurementsSeen() []MeasurementMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MeasurementMetrics(nil), s.measurements...)
}

func (s *recordingSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == name {
			n++
		}
	}
	return n
}

// lastFields returns the fields of the most recent event with the given name.
func (s *recordingSink) lastFields(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i] == name {
			return s.fields[i]
		}
	}
	return nil
}
