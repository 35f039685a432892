// Package prometheus exposes the dispatch metrics of the notification
// worker and serves them over HTTP.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "notify"

// Status constants for metric labels.
const (
	statusSuccess = "success"
	statusError   = "error"
)

var (
	// queuedTotal counts wrappers accepted into the dispatch queue, by
	// ingress path (tcp, pubsub, stream).
	queuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_total",
			Help:      "Total number of wrappers accepted into the dispatch queue",
		},
		[]string{"ingress"},
	)

	// queueRejectedTotal counts wrappers rejected because the queue was full.
	queueRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Total number of wrappers rejected because the queue was full",
		},
		[]string{"ingress"},
	)

	// queueDepth is the number of wrappers currently waiting in the queue.
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of wrappers currently waiting in the dispatch queue",
		},
	)

	// wrapperDuration is a histogram of full wrapper execution duration,
	// connect through close.
	wrapperDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "wrapper_duration_seconds",
			Help:      "Histogram of wrapper execution duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "status"}, // status: success, error
	)

	// sendsTotal counts per-recipient sends by provider and outcome.
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Total number of per-recipient sends",
		},
		[]string{"provider", "status"}, // status: success, error
	)

	// streamAcksTotal counts stream acknowledgements.
	streamAcksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_acks_total",
			Help:      "Total number of stream entries acknowledged",
		},
	)

	// streamRedeliverableTotal counts stream entries left unacknowledged
	// after a failed execution.
	streamRedeliverableTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_redeliverable_total",
			Help:      "Total number of stream entries left for redelivery after failure",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		queuedTotal,
		queueRejectedTotal,
		queueDepth,
		wrapperDuration,
		sendsTotal,
		streamAcksTotal,
		streamRedeliverableTotal,
	}
)

// RecordQueued records a wrapper accepted from the given ingress path.
func RecordQueued(ingress string) {
	queuedTotal.WithLabelValues(ingress).Inc()
	queueDepth.Inc()
}

// RecordRejected records a queue-full rejection from the given ingress path.
func RecordRejected(ingress string) {
	queueRejectedTotal.WithLabelValues(ingress).Inc()
}

// RecordDequeued records a wrapper leaving the queue for execution.
func RecordDequeued() {
	queueDepth.Dec()
}

// RecordWrapper records one completed wrapper execution.
func RecordWrapper(provider string, err error, durationSeconds float64) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	wrapperDuration.WithLabelValues(provider, status).Observe(durationSeconds)
}

// RecordSend records one per-recipient send outcome.
func RecordSend(provider string, err error) {
	status := statusSuccess
	if err != nil {
		status = statusError
	}
	sendsTotal.WithLabelValues(provider, status).Inc()
}

// RecordAck records a stream acknowledgement.
func RecordAck() {
	streamAcksTotal.Inc()
}

// RecordRedeliverable records a stream entry left pending after failure.
func RecordRedeliverable() {
	streamRedeliverableTotal.Inc()
}
