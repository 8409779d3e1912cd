// Package monitor exposes engine and risk counters to Prometheus.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors the engines report into. A nil *Metrics is
// valid and records nothing, so packages can be used without a registry.
type Metrics struct {
	cycles         *prometheus.CounterVec
	cycleLatency   *prometheus.HistogramVec
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	pendingOrders  *prometheus.GaugeVec
	fills          *prometheus.CounterVec
	riskRejections *prometheus.CounterVec
	riskPauses     *prometheus.CounterVec
	enginesRunning *prometheus.GaugeVec
	execLatency    prometheus.Histogram
	slippageBps    prometheus.Histogram
	notifyDrops    *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg
// (prometheus.DefaultRegisterer in main, a fresh registry in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Engine cycles by engine kind and outcome (executed/skipped/idle/error).",
		}, []string{"engine", "outcome"}),
		cycleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_cycle_seconds",
			Help:    "Wall time of one engine cycle.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"engine"}),
		ordersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Orders accepted by the venue.",
		}, []string{"engine", "side"}),
		ordersCanceled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_canceled_total",
			Help: "Orders canceled by the engines, by reason (timeout/adverse/stop).",
		}, []string{"engine", "reason"}),
		pendingOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quoting_pending_orders",
			Help: "Resting maker orders currently tracked by quoting sessions.",
		}, []string{"engine"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Fill events applied to inventory.",
		}, []string{"engine", "side"}),
		riskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_rejections_total",
			Help: "Risk gate rejections by check.",
		}, []string{"check"}),
		riskPauses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_pauses_total",
			Help: "Automatic trading pauses raised by the risk gate.",
		}, []string{"check"}),
		enginesRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "engines_running",
			Help: "Running engine sessions by kind.",
		}, []string{"engine"}),
		execLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autotrade_execution_seconds",
			Help:    "Order placement latency for auto-trade executions.",
			Buckets: prometheus.DefBuckets,
		}),
		slippageBps: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "autotrade_slippage_bps",
			Help:    "Fill price versus intended price, in basis points (positive is worse).",
			Buckets: []float64{-20, -10, -5, -1, 0, 1, 5, 10, 20, 50},
		}),
		notifyDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notifications a sink failed to deliver.",
		}, []string{"sink"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.cycles, m.cycleLatency, m.ordersPlaced, m.ordersCanceled, m.pendingOrders,
			m.fills, m.riskRejections, m.riskPauses, m.enginesRunning,
			m.execLatency, m.slippageBps, m.notifyDrops,
		)
	}
	return m
}

func (m *Metrics) CycleCompleted(engine, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(engine, outcome).Inc()
	m.cycleLatency.WithLabelValues(engine).Observe(d.Seconds())
}

func (m *Metrics) OrderPlaced(engine, side string) {
	if m == nil {
		return
	}
	m.ordersPlaced.WithLabelValues(engine, side).Inc()
}

// PendingAdded tracks a new resting order.
func (m *Metrics) PendingAdded(engine string) {
	if m == nil {
		return
	}
	m.pendingOrders.WithLabelValues(engine).Inc()
}

// PendingRemoved drops a resting order from the gauge; reason is recorded as
// a cancel unless the order left by filling.
func (m *Metrics) PendingRemoved(engine, reason string) {
	if m == nil {
		return
	}
	m.pendingOrders.WithLabelValues(engine).Dec()
	if reason != "filled" {
		m.ordersCanceled.WithLabelValues(engine, reason).Inc()
	}
}

func (m *Metrics) Fill(engine, side string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(engine, side).Inc()
}

func (m *Metrics) RiskRejected(check string) {
	if m == nil {
		return
	}
	m.riskRejections.WithLabelValues(check).Inc()
}

func (m *Metrics) RiskPaused(check string) {
	if m == nil {
		return
	}
	m.riskPauses.WithLabelValues(check).Inc()
}

func (m *Metrics) EngineStarted(engine string) {
	if m == nil {
		return
	}
	m.enginesRunning.WithLabelValues(engine).Inc()
}

func (m *Metrics) EngineStopped(engine string) {
	if m == nil {
		return
	}
	m.enginesRunning.WithLabelValues(engine).Dec()
}

// Execution records latency and slippage of one auto-trade placement.
func (m *Metrics) Execution(latency time.Duration, slippageBps float64) {
	if m == nil {
		return
	}
	m.execLatency.Observe(latency.Seconds())
	m.slippageBps.Observe(slippageBps)
}

func (m *Metrics) NotificationFailed(sink string) {
	if m == nil {
		return
	}
	m.notifyDrops.WithLabelValues(sink).Inc()
}
