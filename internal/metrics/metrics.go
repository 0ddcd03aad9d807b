// Package metrics holds Prometheus metrics for dispatch runs. A batch run is
// short-lived, so metrics are exported to a node-exporter textfile at the end
// of the run instead of being scraped.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSkipped   = "skipped"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// DispatchMetrics counts per-recipient outcomes and gateway latency.
type DispatchMetrics struct {
	registry *prometheus.Registry

	Outcomes      *prometheus.CounterVec
	SendDuration  *prometheus.HistogramVec
	InFlight      prometheus.Gauge
	MalformedRows prometheus.Counter
	SinkErrors    prometheus.Counter
	LastRun       prometheus.Gauge
}

// New registers the dispatch metrics on a private registry.
func New(namespace string) *DispatchMetrics {
	if namespace == "" {
		namespace = "batchmail"
	}

	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	subsystem := "dispatch"

	return &DispatchMetrics{
		registry: reg,
		Outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "recipients_total",
				Help:      "Recipients resolved, by outcome",
			},
			[]string{"provider", "outcome"},
		),
		SendDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "send_duration_seconds",
				Help:      "Gateway call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sends_in_flight",
				Help:      "Gateway calls currently outstanding",
			},
		),
		MalformedRows: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "malformed_rows_total",
				Help:      "Recipient rows skipped because they could not be parsed",
			},
		),
		SinkErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "failure_sink_errors_total",
				Help:      "Failed sends that could not be written to the failure sink",
			},
		),
		LastRun: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "last_completed_timestamp_seconds",
				Help:      "Unix time the last run completed",
			},
		),
	}
}

// ObserveOutcome counts one resolved recipient.
func (m *DispatchMetrics) ObserveOutcome(provider, outcome string) {
	m.Outcomes.WithLabelValues(provider, outcome).Inc()
}

// ObserveSend records one gateway call.
func (m *DispatchMetrics) ObserveSend(provider string, d time.Duration) {
	m.SendDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// Gatherer exposes the registry, mostly for tests.
func (m *DispatchMetrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// WriteTextfile writes the current values in the text exposition format.
func (m *DispatchMetrics) WriteTextfile(path string) error {
	m.LastRun.SetToCurrentTime()
	return prometheus.WriteToTextfile(path, m.registry)
}
