package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SaleMetrics records settlement activity for the engine: attempts segmented
// by operation and outcome, latency distributions, and oracle failures.
type SaleMetrics struct {
	settlements *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	oracleFails prometheus.Counter
	refunds     prometheus.Counter
}

var (
	saleMetricsOnce sync.Once
	saleRegistry    *SaleMetrics
)

// Metrics returns the lazily-initialised sale metrics registry.
func Metrics() *SaleMetrics {
	saleMetricsOnce.Do(func() {
		saleRegistry = &SaleMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "settlements_total",
				Help:      "Total settlement attempts segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "settlement_duration_seconds",
				Help:      "Latency distribution for settlement operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			oracleFails: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "oracle_failures_total",
				Help:      "Total settlements aborted because a price feed was unavailable.",
			}),
			refunds: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "tokensale",
				Subsystem: "engine",
				Name:      "refunds_total",
				Help:      "Total native purchases that produced an overpayment refund.",
			}),
		}
		prometheus.MustRegister(
			saleRegistry.settlements,
			saleRegistry.latency,
			saleRegistry.oracleFails,
			saleRegistry.refunds,
		)
	})
	return saleRegistry
}

// ObserveSettlement records one settlement attempt.
func (m *SaleMetrics) ObserveSettlement(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveOracleFailure counts a settlement aborted by an unavailable feed.
func (m *SaleMetrics) ObserveOracleFailure() {
	if m == nil {
		return
	}
	m.oracleFails.Inc()
}

// ObserveRefund counts a purchase that returned excess payment to the payer.
func (m *SaleMetrics) ObserveRefund() {
	if m == nil {
		return
	}
	m.refunds.Inc()
}
