// Package metrics exposes Prometheus counters and gauges for the matching
// engine, funding scheduler, liquidation engine, and public API.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	collector     *Collector
	collectorOnce sync.Once
)

// Collector holds every metric the engine records.
type Collector struct {
	OrdersTotal   *prometheus.CounterVec
	OrdersActive  *prometheus.GaugeVec
	OrderLatency  *prometheus.HistogramVec

	TradesTotal *prometheus.CounterVec
	TradeVolume *prometheus.CounterVec

	PositionsOpen *prometheus.GaugeVec
	Leverage      *prometheus.HistogramVec

	LiquidationsTotal *prometheus.CounterVec
	LiquidationValue  *prometheus.CounterVec

	InsuranceFundBalance *prometheus.GaugeVec

	FundingRate     *prometheus.GaugeVec
	FundingPayments *prometheus.CounterVec

	OraclePrice   *prometheus.GaugeVec
	OracleLatency *prometheus.HistogramVec

	APIRequestsTotal  *prometheus.CounterVec
	APIRequestLatency *prometheus.HistogramVec
}

// GetCollector returns the process-wide metrics collector, building and
// registering it on first use.
func GetCollector() *Collector {
	collectorOnce.Do(func() {
		collector = newCollector()
	})
	return collector
}

func newCollector() *Collector {
	c := &Collector{
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "bank", Subsystem: "orders", Name: "total", Help: "Total orders submitted"},
			[]string{"market", "side", "type", "status"},
		),
		OrdersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "bank", Subsystem: "orders", Name: "active", Help: "Open orders"},
			[]string{"market", "side"},
		),
		OrderLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bank", Subsystem: "orders", Name: "latency_ms", Help: "Order placement latency in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"market", "type"},
		),
		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "bank", Subsystem: "trades", Name: "total", Help: "Total trades executed"},
			[]string{"market"},
		),
		TradeVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "bank", Subsystem: "trades", Name: "volume_sats", Help: "Total traded volume in sats"},
			[]string{"market"},
		),
		PositionsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "bank", Subsystem: "positions", Name: "open", Help: "Open positions"},
			[]string{"market", "side"},
		),
		Leverage: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bank", Subsystem: "positions", Name: "leverage", Help: "Position leverage distribution",
				Buckets: []float64{1, 2, 5, 10, 20, 50},
			},
			[]string{"market"},
		),
		LiquidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "bank", Subsystem: "liquidations", Name: "total", Help: "Total liquidations"},
			[]string{"market"},
		),
		LiquidationValue: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "bank", Subsystem: "liquidations", Name: "value_msats", Help: "Total liquidated settlement value in msats"},
			[]string{"market"},
		),
		InsuranceFundBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "bank", Subsystem: "insurance_fund", Name: "balance_msats", Help: "Insurance fund balance in msats"},
			[]string{"market"},
		),
		FundingRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "bank", Subsystem: "funding", Name: "rate", Help: "Current funding rate"},
			[]string{"market"},
		),
		FundingPayments: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "bank", Subsystem: "funding", Name: "payments_msats", Help: "Total funding payments in msats"},
			[]string{"market", "direction"},
		),
		OraclePrice: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "bank", Subsystem: "oracle", Name: "price_usd", Help: "Current oracle price"},
			[]string{"market", "price_type"},
		),
		OracleLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bank", Subsystem: "oracle", Name: "latency_ms", Help: "Oracle fetch latency in milliseconds",
				Buckets: []float64{10, 50, 100, 250, 500, 1000, 2000},
			},
			[]string{"source"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: "bank", Subsystem: "api", Name: "requests_total", Help: "Total API requests"},
			[]string{"method", "path", "status"},
		),
		APIRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bank", Subsystem: "api", Name: "request_latency_ms", Help: "API request latency in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
			[]string{"method", "path"},
		),
	}
	c.registerAll()
	return c
}

func (c *Collector) registerAll() {
	prometheus.MustRegister(
		c.OrdersTotal, c.OrdersActive, c.OrderLatency,
		c.TradesTotal, c.TradeVolume,
		c.PositionsOpen, c.Leverage,
		c.LiquidationsTotal, c.LiquidationValue,
		c.InsuranceFundBalance,
		c.FundingRate, c.FundingPayments,
		c.OraclePrice, c.OracleLatency,
		c.APIRequestsTotal, c.APIRequestLatency,
	)
}

// RecordOrder records an order submission.
func (c *Collector) RecordOrder(market, side, orderType, status string) {
	c.OrdersTotal.WithLabelValues(market, side, orderType, status).Inc()
}

// RecordOrderLatency records how long PlaceOrder took to return.
func (c *Collector) RecordOrderLatency(market, orderType string, latencyMs float64) {
	c.OrderLatency.WithLabelValues(market, orderType).Observe(latencyMs)
}

// RecordTrade records an executed fill.
func (c *Collector) RecordTrade(market string, sizeSats int64) {
	c.TradesTotal.WithLabelValues(market).Inc()
	c.TradeVolume.WithLabelValues(market).Add(float64(sizeSats))
}

// RecordLiquidation records a forced close and its settlement value.
func (c *Collector) RecordLiquidation(market string, valueMsats int64) {
	c.LiquidationsTotal.WithLabelValues(market).Inc()
	if valueMsats > 0 {
		c.LiquidationValue.WithLabelValues(market).Add(float64(valueMsats))
	}
}

// RecordInsuranceFundBalance sets the current insurance fund balance.
func (c *Collector) RecordInsuranceFundBalance(market string, balanceMsats int64) {
	c.InsuranceFundBalance.WithLabelValues(market).Set(float64(balanceMsats))
}

// RecordFundingRate sets the current funding rate for a market.
func (c *Collector) RecordFundingRate(market string, rate float64) {
	c.FundingRate.WithLabelValues(market).Set(rate)
}

// RecordFundingPayment accumulates total msats moved in a funding direction
// ("paid" or "received").
func (c *Collector) RecordFundingPayment(market, direction string, amountMsats int64) {
	if amountMsats <= 0 {
		return
	}
	c.FundingPayments.WithLabelValues(market, direction).Add(float64(amountMsats))
}

// RecordOraclePrice sets the current index or mark price.
func (c *Collector) RecordOraclePrice(market, priceType string, price float64) {
	c.OraclePrice.WithLabelValues(market, priceType).Set(price)
}

// RecordAPIRequest records one completed HTTP request.
func (c *Collector) RecordAPIRequest(method, path, status string, latencyMs float64) {
	c.APIRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.APIRequestLatency.WithLabelValues(method, path).Observe(latencyMs)
}

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for a latency observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns the time elapsed since NewTimer, in milliseconds.
func (t *Timer) ElapsedMs() float64 {
	return float64(time.Since(t.start).Microseconds()) / 1000.0
}
