// Package metrics exposes the acquisition loop to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects producer statistics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Cycles           prometheus.Counter
	PackagesProduced prometheus.Counter
	PackagesSent     prometheus.Counter
	DiscardedReads   prometheus.Counter
	BoardFailures    prometheus.Counter
	RowsDropped      prometheus.Counter
	QueueLength      prometheus.Gauge
	CycleDuration    prometheus.Histogram
}

// New creates the collectors under namespace and registers them with reg.
// A nil reg leaves them unregistered.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Acquisition cycles completed.",
		}),
		PackagesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_produced_total",
			Help:      "Sample packages appended to the producer queue.",
		}),
		PackagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packages_sent_total",
			Help:      "Sample packages delivered to the consumer.",
		}),
		DiscardedReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_reads_total",
			Help:      "Single A-to-D reads dropped as out of range.",
		}),
		BoardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "board_failures_total",
			Help:      "Runs aborted by a board error.",
		}),
		RowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_dropped_total",
			Help:      "Packages the consumer could not convert.",
		}),
		QueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Sample packages waiting in the producer queue.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent sampling all channels in one cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
	}

	if reg != nil {
		reg.MustRegister(m.Cycles, m.PackagesProduced, m.PackagesSent, m.DiscardedReads,
			m.BoardFailures, m.RowsDropped, m.QueueLength, m.CycleDuration)
	}
	return m
}

// Cycle records one finished cycle.
func (m *Metrics) Cycle(seconds float64, discarded int) {
	if m == nil {
		return
	}
	m.Cycles.Inc()
	m.PackagesProduced.Inc()
	m.CycleDuration.Observe(seconds)
	if discarded > 0 {
		m.DiscardedReads.Add(float64(discarded))
	}
}

// Sent records a burst delivered to the consumer.
func (m *Metrics) Sent(n int) {
	if m == nil || n == 0 {
		return
	}
	m.PackagesSent.Add(float64(n))
}

// Queue records the current queue length.
func (m *Metrics) Queue(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

// Failed records a run aborted by a board error.
func (m *Metrics) Failed() {
	if m == nil {
		return
	}
	m.BoardFailures.Inc()
}

// Dropped records a package that did not make it into the buffer.
func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.RowsDropped.Inc()
}
