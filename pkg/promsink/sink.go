// Package promsink exposes settle measurements and events as Prometheus metrics.
package promsink

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkbrsn/settle"
)

// Sink implements settle.MetricsSink on top of Prometheus collectors.
type Sink struct {
	LoadTime      *prometheus.HistogramVec
	Measurements  *prometheus.CounterVec
	Events        *prometheus.CounterVec
	Dropped       prometheus.Counter
	MonitorFaults *prometheus.CounterVec
}

// New creates the collectors under namespace and registers them with reg.
func New(namespace string, reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		LoadTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "page_load_seconds",
				Help:      "Time from navigation start until the page settled.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32},
			},
			[]string{"reason"},
		),
		Measurements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "measurements_total",
				Help:      "Resolved page load measurements.",
			},
			[]string{"reason"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Internal events by name.",
			},
			[]string{"name"},
		),
		Dropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_dropped_total",
				Help:      "Resource discoveries dropped because the tracking cap was reached.",
			},
		),
		MonitorFaults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monitor_faults_total",
				Help:      "Recovered faults by monitor.",
			},
			[]string{"monitor"},
		),
	}

	for _, c := range []prometheus.Collector{
		s.LoadTime, s.Measurements, s.Events, s.Dropped, s.MonitorFaults,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ObserveMeasurement records a resolved measurement.
func (s *Sink) ObserveMeasurement(m settle.MeasurementMetrics) {
	s.LoadTime.WithLabelValues(m.Reason).Observe(m.LoadTime.Seconds())
	s.Measurements.WithLabelValues(m.Reason).Inc()
}

// ObserveEvent counts the event and updates the dedicated counters.
func (s *Sink) ObserveEvent(name string, fields map[string]any) {
	s.Events.WithLabelValues(name).Inc()
	switch name {
	case settle.EventResourceDropped:
		s.Dropped.Inc()
	case settle.EventMonitorFault:
		monitor, _ := fields["monitor"].(string)
		s.MonitorFaults.WithLabelValues(monitor).Inc()
	}
}
