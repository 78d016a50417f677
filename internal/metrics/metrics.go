// Package metrics holds the Prometheus collectors of the lookup pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OutcomeSuccess labels successful lookups.
const OutcomeSuccess = "success"

// Metrics groups the pipeline collectors. A nil *Metrics is valid and records
// nothing, so callers never need to check whether metrics are enabled.
type Metrics struct {
	lookups      *prometheus.CounterVec
	duration     prometheus.Histogram
	sinkFailures *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cepetl_lookups_total",
			Help: "Total postal code lookups by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cepetl_lookup_duration_seconds",
			Help:    "Remote lookup latency",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
		}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cepetl_sink_failures_total",
			Help: "Total failed sink writes by dispatcher and sink",
		}, []string{"dispatcher", "sink"}),
	}
	reg.MustRegister(m.lookups, m.duration, m.sinkFailures)
	return m
}

// Lookup counts one routed outcome. outcome is OutcomeSuccess or a failure family
// such as "timeout" or "http_error".
func (m *Metrics) Lookup(outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(outcome).Inc()
}

// ObserveLookup records the latency of one remote call.
func (m *Metrics) ObserveLookup(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}

// SinkFailure counts one failed write.
func (m *Metrics) SinkFailure(dispatcher, sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(dispatcher, sink).Inc()
}
