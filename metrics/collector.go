package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"

	"github.com/XCP/xcpfolio-bot/logging"
)

// Collector manages all metrics for the fulfillment agent
type Collector struct {
	logger *logging.ComponentLogger

	// Counters
	ordersProcessed  prometheus.Counter
	broadcastsTotal  prometheus.Counter
	rbfAttempts      prometheus.Counter
	errorsTotal      *prometheus.CounterVec
	ordersRelisted   prometheus.Counter
	alertsTotal      prometheus.Counter

	// Gauges
	activeTransactions prometheus.Gauge
	unconfirmedCount   prometheus.Gauge
	lastBlock          prometheus.Gauge
	pendingFailures    prometheus.Gauge

	// Histograms
	runDuration     *prometheus.HistogramVec
	composeLatency  prometheus.Histogram
	feeRateObserved prometheus.Histogram

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with a private registry
func NewCollector(logger *logging.ComponentLogger) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		ordersProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_orders_processed_total",
			Help: "Total number of filled orders handled",
		}),

		broadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_broadcasts_total",
			Help: "Total number of transactions broadcast",
		}),

		rbfAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_rbf_attempts_total",
			Help: "Total number of RBF replacements broadcast",
		}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xcpfolio_errors_total",
			Help: "Total errors by pipeline stage",
		}, []string{"stage"}),

		ordersRelisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_orders_relisted_total",
			Help: "Total number of expired listings re-created",
		}),

		alertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xcpfolio_retry_alerts_total",
			Help: "Total retry-threshold alerts raised",
		}),

		activeTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xcpfolio_active_transactions",
			Help: "Unconfirmed transfer transactions being tracked",
		}),

		unconfirmedCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xcpfolio_unconfirmed_tx_count",
			Help: "Mempool transactions for our address at last check",
		}),

		lastBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xcpfolio_last_block",
			Help: "Last block height observed",
		}),

		pendingFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xcpfolio_pending_failures",
			Help: "Orders currently in retry backoff",
		}),

		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xcpfolio_run_duration_seconds",
			Help:    "Duration of controller runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"controller"}),

		composeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xcpfolio_compose_duration_seconds",
			Help:    "Latency of ledger compose calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		feeRateObserved: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "xcpfolio_fee_rate_sat_vb",
			Help:    "Fee rates of broadcast transactions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	registry.MustRegister(
		c.ordersProcessed,
		c.broadcastsTotal,
		c.rbfAttempts,
		c.errorsTotal,
		c.ordersRelisted,
		c.alertsTotal,
		c.activeTransactions,
		c.unconfirmedCount,
		c.lastBlock,
		c.pendingFailures,
		c.runDuration,
		c.composeLatency,
		c.feeRateObserved,
	)
	registry.MustRegister(prometheus.NewGoCollector())

	logger.Info().
		Msg("Metrics collector initialized")

	return c
}

// Handler returns the Prometheus scrape handler for the status server.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordOrderProcessed increments the order counter
func (c *Collector) RecordOrderProcessed() {
	c.ordersProcessed.Inc()
}

// RecordBroadcast increments the broadcast counter and observes the
// fee rate
func (c *Collector) RecordBroadcast(feeRate int64) {
	c.broadcastsTotal.Inc()
	c.feeRateObserved.Observe(float64(feeRate))
}

// RecordRBF increments the RBF counter
func (c *Collector) RecordRBF(feeRate int64) {
	c.rbfAttempts.Inc()
	c.feeRateObserved.Observe(float64(feeRate))
}

// RecordError increments the error counter for a pipeline stage
func (c *Collector) RecordError(stage string) {
	c.errorsTotal.WithLabelValues(stage).Inc()
}

// RecordRelisted increments the maintenance relist counter
func (c *Collector) RecordRelisted() {
	c.ordersRelisted.Inc()
}

// RecordRetryAlert increments the alert counter
func (c *Collector) RecordRetryAlert() {
	c.alertsTotal.Inc()
}

// UpdateActiveTransactions updates the active transaction gauge
func (c *Collector) UpdateActiveTransactions(count int) {
	c.activeTransactions.Set(float64(count))
}

// UpdateUnconfirmedCount updates the mempool gauge
func (c *Collector) UpdateUnconfirmedCount(count int) {
	c.unconfirmedCount.Set(float64(count))
}

// UpdateLastBlock updates the block height gauge
func (c *Collector) UpdateLastBlock(height int64) {
	c.lastBlock.Set(float64(height))
}

// UpdatePendingFailures updates the retry-backlog gauge
func (c *Collector) UpdatePendingFailures(count int) {
	c.pendingFailures.Set(float64(count))
}

// ObserveRunDuration records one controller pass
func (c *Collector) ObserveRunDuration(controller string, seconds float64) {
	c.runDuration.WithLabelValues(controller).Observe(seconds)
}

// ObserveComposeLatency records one compose call
func (c *Collector) ObserveComposeLatency(seconds float64) {
	c.composeLatency.Observe(seconds)
}
