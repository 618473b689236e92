package settle

import (
	"io"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

// Event names reported through MetricsSink.ObserveEvent.
const (
	EventMonitoringStarted = "monitoring_started"
	EventMonitoringStopped = "monitoring_stopped"
	EventResourceDropped   = "resource_dropped"
	EventMonitorFault      = "monitor_fault"
	EventMeasurementStart  = "measurement_started"
)

// MetricsSink is a pluggable observer for measurement results and internal events.
// Implementations must be non-blocking or very fast and must not call back into the Manager;
// they are invoked synchronously from monitor and timer goroutines.
type MetricsSink interface {
	ObserveMeasurement(MeasurementMetrics)
	ObserveEvent(name string, fields map[string]any)
}

// MeasurementMetrics is a snapshot of a resolved measurement suitable for metrics export.
type MeasurementMetrics struct {
	ID                            string        `json:"id"`
	StartTime                     time.Time     `json:"start_time"`
	LoadTime                      time.Duration `json:"load_time"`
	TimestampOfLastLoadedResource time.Time     `json:"last_resource_at"`
	Reason                        string        `json:"reason"`
}

// nopSink discards everything.
type nopSink struct{}

func (nopSink) ObserveMeasurement(MeasurementMetrics) {}

func (nopSink) ObserveEvent(string, map[string]any) {}

// JSONSink writes one JSON object per line for every measurement and event.
type JSONSink struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

// NewJSONSink returns a sink writing JSON lines to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{w: w}
}

type jsonLine struct {
	Kind        string              `json:"kind"`
	Time        time.Time           `json:"time"`
	Name        string              `json:"name,omitempty"`
	Fields      map[string]any      `json:"fields,omitempty"`
	Measurement *MeasurementMetrics `json:"measurement,omitempty"`
}

// ObserveMeasurement writes a measurement line.
func (s *JSONSink) ObserveMeasurement(m MeasurementMetrics) {
	s.write(jsonLine{Kind: "measurement", Time: time.Now(), Measurement: &m})
}

// ObserveEvent writes an event line.
func (s *JSONSink) ObserveEvent(name string, fields map[string]any) {
	s.write(jsonLine{Kind: "event", Time: time.Now(), Name: name, Fields: fields})
}

// Err returns the first write or encoding error, if any. Later lines are skipped once an error
// has occurred.
func (s *JSONSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *JSONSink) write(line jsonLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	b, err := sonic.Marshal(line)
	if err != nil {
		s.err = err
		return
	}
	b = append(b, '\n')
	if _, err := s.w.Write(b); err != nil {
		s.err = err
	}
}

// MultiSink fans out to several sinks in order.
type MultiSink []MetricsSink

// ObserveMeasurement forwards to every sink.
func (ms MultiSink) ObserveMeasurement(m MeasurementMetrics) {
	for _, s := range ms {
		s.ObserveMeasurement(m)
	}
}

// ObserveEvent forwards to every sink.
func (ms MultiSink) ObserveEvent(name string, fields map[string]any) {
	for _, s := range ms {
		s.ObserveEvent(name, fields)
	}
}
