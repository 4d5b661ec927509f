package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all connector Prometheus metrics.
type Metrics struct {
	RecordsConsumed  *prometheus.CounterVec
	BulkRequests     *prometheus.CounterVec
	BulkLatency      *prometheus.HistogramVec
	RetriesTotal     prometheus.Counter
	RejectedDocs     *prometheus.CounterVec
	BufferRecords    *prometheus.GaugeVec
	FlowTransitions  *prometheus.CounterVec
	CommittedOffsets *prometheus.GaugeVec
}

// NewMetrics creates and registers all connector metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RecordsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsink_records_consumed_total",
			Help: "Records received from the log, by topic.",
		}, []string{"topic"}),

		BulkRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsink_bulk_requests_total",
			Help: "Bulk dispatch attempts by outcome.",
		}, []string{"outcome"}),

		BulkLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docsink_bulk_request_duration_seconds",
			Help:    "Bulk dispatch round-trip time by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),

		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "docsink_bulk_retries_total",
			Help: "Bulk dispatches resubmitted after a retryable failure.",
		}),

		RejectedDocs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsink_rejected_documents_total",
			Help: "Documents the store rejected permanently, by topic.",
		}, []string{"topic"}),

		BufferRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docsink_buffer_records",
			Help: "Queued plus in-flight records per partition.",
		}, []string{"topic", "partition"}),

		FlowTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "docsink_flow_control_total",
			Help: "Pause and resume signals sent to the consumer.",
		}, []string{"action"}),

		CommittedOffsets: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "docsink_committed_offset",
			Help: "Last safe-to-commit offset reported per partition.",
		}, []string{"topic", "partition"}),
	}
}
