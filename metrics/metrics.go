// Package metrics wraps the Prometheus collectors the queue exposes:
// per message-type throughput/latency/failure counters, dispatcher
// worker gauges, and dead-letter counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Metrics wraps the Prometheus collectors for a single queue instance.
type Metrics struct {
	registry *prometheus.Registry

	enqueuedTotal     *prometheus.CounterVec
	acknowledgedTotal *prometheus.CounterVec
	requeuedTotal     *prometheus.CounterVec
	deadLetteredTotal *prometheus.CounterVec
	supersededTotal   *prometheus.CounterVec

	handlerDuration *prometheus.HistogramVec

	activeWorkers  *prometheus.GaugeVec
	bufferOccupied prometheus.Gauge
	bufferCapacity prometheus.Gauge
	deadLetterSize prometheus.Gauge
	dedupIndexSize prometheus.Gauge
}

// New constructs a Metrics instance registered under namespace, with its
// own private registry (so a host can run several queues side by side
// without collector name collisions).
func New(namespace string, buckets []float64) *Metrics {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		enqueuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "enqueued_total", Help: "Total messages enqueued.",
		}, []string{"message_type"}),

		acknowledgedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "acknowledged_total", Help: "Total messages acknowledged.",
		}, []string{"message_type"}),

		requeuedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requeued_total", Help: "Total messages requeued after handler failure.",
		}, []string{"message_type"}),

		deadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_lettered_total", Help: "Total messages routed to the dead-letter queue.",
		}, []string{"message_type", "reason"}),

		supersededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "superseded_total", Help: "Total in-flight messages superseded by a replace.",
		}, []string{"message_type"}),

		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_milliseconds", Help: "Handler invocation duration in milliseconds.",
			Buckets: buckets,
		}, []string{"message_type", "outcome"}),

		activeWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_workers", Help: "Active dispatcher workers per message type.",
		}, []string{"message_type"}),

		bufferOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "buffer_occupied_slots", Help: "Occupied slots in the circular buffer.",
		}),

		bufferCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "buffer_capacity", Help: "Total capacity of the circular buffer.",
		}),

		deadLetterSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dead_letter_size", Help: "Current number of entries in the dead-letter queue.",
		}),

		dedupIndexSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dedup_index_size", Help: "Current number of keys in the deduplication index.",
		}),
	}

	registry.MustRegister(
		m.enqueuedTotal, m.acknowledgedTotal, m.requeuedTotal, m.deadLetteredTotal,
		m.supersededTotal, m.handlerDuration, m.activeWorkers, m.bufferOccupied,
		m.bufferCapacity, m.deadLetterSize, m.dedupIndexSize,
	)

	return m
}

func (m *Metrics) RecordEnqueue(messageType string) {
	m.enqueuedTotal.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordAcknowledge(messageType string) {
	m.acknowledgedTotal.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordRequeue(messageType string) {
	m.requeuedTotal.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordDeadLetter(messageType, reason string) {
	m.deadLetteredTotal.WithLabelValues(messageType, reason).Inc()
}

func (m *Metrics) RecordSupersede(messageType string) {
	m.supersededTotal.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordHandlerDuration(messageType, outcome string, durationMs float64) {
	m.handlerDuration.WithLabelValues(messageType, outcome).Observe(durationMs)
}

func (m *Metrics) SetActiveWorkers(messageType string, n int) {
	m.activeWorkers.WithLabelValues(messageType).Set(float64(n))
}

func (m *Metrics) SetBufferOccupancy(occupied, capacity int) {
	m.bufferOccupied.Set(float64(occupied))
	m.bufferCapacity.Set(float64(capacity))
}

func (m *Metrics) SetDeadLetterSize(n int) {
	m.deadLetterSize.Set(float64(n))
}

func (m *Metrics) SetDedupIndexSize(n int) {
	m.dedupIndexSize.Set(float64(n))
}

// Handler returns an HTTP handler exposing this instance's metrics in
// the Prometheus text exposition format, for a host to mount on its own
// admin surface.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
