// Package metric defines the gateway's prometheus collectors.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all gateway-level collectors.
type Metrics struct {
	// Intake metrics.
	DocumentsReceived *prometheus.CounterVec
	DocumentsRejected *prometheus.CounterVec
	ValidationErrors  *prometheus.CounterVec
	ValidateDuration  *prometheus.HistogramVec

	// Mailbox metrics.
	BundlesClosed    *prometheus.CounterVec
	BundlesDequeued  *prometheus.CounterVec
	MessagesEnqueued *prometheus.CounterVec
	PeekRequests     *prometheus.CounterVec

	// Fan-out metrics.
	JobTransitions *prometheus.CounterVec
	FanoutDuration prometheus.Histogram
}

// NewMetrics creates all gateway collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		DocumentsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edi",
				Subsystem: "intake",
				Name:      "documents_received_total",
				Help:      "Total inbound documents received",
			},
			[]string{"format", "process"},
		),
		DocumentsRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edi",
				Subsystem: "intake",
				Name:      "documents_rejected_total",
				Help:      "Total inbound documents rejected by validation",
			},
			[]string{"format", "process"},
		),
		ValidationErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edi",
				Subsystem: "intake",
				Name:      "validation_errors_total",
				Help:      "Validation errors by error code",
			},
			[]string{"code"},
		),
		ValidateDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "edi",
				Subsystem: "intake",
				Name:      "validate_duration_seconds",
				Help:      "Document validation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"format"},
		),
		BundlesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edi",
				Subsystem: "mailbox",
				Name:      "bundles_closed_total",
				Help:      "Bundles made visible to peek, by close trigger",
			},
			[]string{"trigger"},
		),
		BundlesDequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edi",
				Subsystem: "mailbox",
				Name:      "bundles_dequeued_total",
				Help:      "Bundles acknowledged by actors",
			},
			[]string{"category"},
		),
		MessagesEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edi",
				Subsystem: "mailbox",
				Name:      "messages_enqueued_total",
				Help:      "Outgoing messages placed into bundles",
			},
			[]string{"category"},
		),
		PeekRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edi",
				Subsystem: "mailbox",
				Name:      "peek_requests_total",
				Help:      "Peek requests by outcome (hit or empty)",
			},
			[]string{"outcome"},
		),
		JobTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "edi",
				Subsystem: "fanout",
				Name:      "job_transitions_total",
				Help:      "Enqueue job status transitions",
			},
			[]string{"status"},
		),
		FanoutDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "edi",
				Subsystem: "fanout",
				Name:      "duration_seconds",
				Help:      "End-to-end fan-out duration per completion event",
				Buckets:   []float64{0.5, 1, 5, 15, 60, 300, 900},
			},
		),
	}
}

// Register registers all collectors with the registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.DocumentsReceived,
		m.DocumentsRejected,
		m.ValidationErrors,
		m.ValidateDuration,
		m.BundlesClosed,
		m.BundlesDequeued,
		m.MessagesEnqueued,
		m.PeekRequests,
		m.JobTransitions,
		m.FanoutDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Handler returns the /metrics HTTP handler for the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
