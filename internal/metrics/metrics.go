package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WAIncomingMessages  *prometheus.CounterVec
	WAOutgoingMessages  *prometheus.CounterVec
	DepositsCreated     prometheus.Counter
	DepositTransitions  *prometheus.CounterVec
	SettlementRuns      *prometheus.CounterVec
	SettlementBatchSize prometheus.Histogram
	ChainRequests       *prometheus.CounterVec
	ChainLatency        *prometheus.HistogramVec
	Errors              *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed.",
			}, []string{"type"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			DepositsCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposits_created_total",
				Help:      "Total deposit intents created.",
			}),
			DepositTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deposit_transitions_total",
				Help:      "Total deposit status transitions by target status.",
			}, []string{"status"}),
			SettlementRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settlement_runs_total",
				Help:      "Total settlement runs by outcome.",
			}, []string{"outcome"}),
			SettlementBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "settlement_batch_size",
				Help:      "Number of intents included per submitted batch.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
			}),
			ChainRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chain_requests_total",
				Help:      "Total chain gateway requests by operation and status.",
			}, []string{"op", "status"}),
			ChainLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "chain_request_duration_seconds",
				Help:      "Latency distribution for chain gateway operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.DepositsCreated,
			metricsInstance.DepositTransitions,
			metricsInstance.SettlementRuns,
			metricsInstance.SettlementBatchSize,
			metricsInstance.ChainRequests,
			metricsInstance.ChainLatency,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
