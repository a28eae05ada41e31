package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CreditMetricsRegistry aggregates the credit engine's operational metrics.
type CreditMetricsRegistry struct {
	multicalls   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	liquidations *prometheus.CounterVec
	checkTokens  prometheus.Histogram
	earlyExits   prometheus.Counter
	borrowed     prometheus.Counter
	lossTrips    prometheus.Counter
}

var (
	creditMetricsOnce sync.Once
	creditRegistry    *CreditMetricsRegistry
)

// CreditMetrics returns the lazily-registered credit metrics registry.
func CreditMetrics() *CreditMetricsRegistry {
	creditMetricsOnce.Do(func() {
		creditRegistry = &CreditMetricsRegistry{
			multicalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "credit",
				Name:      "multicalls_total",
				Help:      "Multicall batches segmented by entry point and outcome.",
			}, []string{"entry", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "margin",
				Subsystem: "credit",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution of facade entry points.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"entry"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "credit",
				Name:      "liquidations_total",
				Help:      "Forced closures segmented by schedule and loss outcome.",
			}, []string{"action", "outcome"}),
			checkTokens: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "margin",
				Subsystem: "credit",
				Name:      "collateral_check_tokens",
				Help:      "Tokens priced per full collateral check.",
				Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
			}),
			earlyExits: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "credit",
				Name:      "collateral_check_early_exits_total",
				Help:      "Full collateral checks that stopped before pricing every token.",
			}),
			borrowed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "pool",
				Name:      "borrowed_total",
				Help:      "Aggregate principal borrowed, in underlying base units.",
			}),
			lossTrips: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "margin",
				Subsystem: "credit",
				Name:      "loss_cap_trips_total",
				Help:      "Times the cumulative loss ceiling halted new borrowing.",
			}),
		}
		prometheus.MustRegister(
			creditRegistry.multicalls,
			creditRegistry.latency,
			creditRegistry.liquidations,
			creditRegistry.checkTokens,
			creditRegistry.earlyExits,
			creditRegistry.borrowed,
			creditRegistry.lossTrips,
		)
	})
	return creditRegistry
}

// ObserveMulticall records one facade batch.
func (m *CreditMetricsRegistry) ObserveMulticall(entry, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.multicalls.WithLabelValues(entry, outcome).Inc()
	m.latency.WithLabelValues(entry).Observe(elapsed.Seconds())
}

// ObserveLiquidation records a forced closure.
func (m *CreditMetricsRegistry) ObserveLiquidation(action, outcome string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(action, outcome).Inc()
}

// ObserveCollateralCheck records how much of the token set a check priced.
func (m *CreditMetricsRegistry) ObserveCollateralCheck(tokensPriced int, earlyExit bool) {
	if m == nil {
		return
	}
	m.checkTokens.Observe(float64(tokensPriced))
	if earlyExit {
		m.earlyExits.Inc()
	}
}

// ObserveBorrowed adds to the aggregate borrow counter.
func (m *CreditMetricsRegistry) ObserveBorrowed(amount float64) {
	if m == nil {
		return
	}
	m.borrowed.Add(amount)
}

// ObserveLossTrip counts a cumulative-loss halt.
func (m *CreditMetricsRegistry) ObserveLossTrip() {
	if m == nil {
		return
	}
	m.lossTrips.Inc()
}
