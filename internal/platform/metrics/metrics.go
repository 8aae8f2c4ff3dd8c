package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for admission ingest.
type Metrics struct {
	// Reconciliation results by outcome or error kind
	ReconcileOutcome *prometheus.CounterVec

	// Duration of one ingest, extraction through store write
	ReconcileLatency *prometheus.HistogramVec

	// Acknowledgments sent over MLLP by ack code
	MLLPAcks *prometheus.CounterVec

	// Queue deliveries by disposition
	QueueDeliveries *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers all admission metrics with reg. A nil reg uses the
// default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		ReconcileOutcome: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_reconcile_total",
			Help: "Reconciliation results by outcome (unchanged, merged, created, linked) or error kind",
		}, []string{"transport", "result"}),

		ReconcileLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "admission_reconcile_duration_seconds",
			Help:    "Duration of one admission ingest including store round trips",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"transport"}),

		MLLPAcks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_mllp_acks_total",
			Help: "Acknowledgments sent to MLLP peers by code",
		}, []string{"code"}),

		QueueDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_queue_deliveries_total",
			Help: "Queue deliveries by disposition (ack, reject, requeue)",
		}, []string{"disposition"}),

		gatherer: gatherer,
	}
}

// ObserveReconcile records one ingest result and its duration.
func (m *Metrics) ObserveReconcile(transport, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReconcileOutcome.WithLabelValues(transport, result).Inc()
	m.ReconcileLatency.WithLabelValues(transport).Observe(d.Seconds())
}

// IncrementMLLPAck records an acknowledgment code sent over MLLP.
func (m *Metrics) IncrementMLLPAck(code string) {
	if m != nil {
		m.MLLPAcks.WithLabelValues(code).Inc()
	}
}

// IncrementQueueDelivery records how a queue delivery was settled.
func (m *Metrics) IncrementQueueDelivery(disposition string) {
	if m != nil {
		m.QueueDeliveries.WithLabelValues(disposition).Inc()
	}
}

// Handler serves the registry this Metrics was registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
