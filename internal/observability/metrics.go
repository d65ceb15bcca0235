// Package observability provides Prometheus metrics and the read-only
// status snapshot served next to them.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Session metrics
	FramesRead       prometheus.Counter
	FramesWritten    prometheus.Counter
	ProtocolErrors   prometheus.Counter
	HeartbeatsSent   prometheus.Counter
	Reconnects       prometheus.Counter
	SessionState     prometheus.Gauge
	RequestLatency   *prometheus.HistogramVec
	SpotEventsSeen   prometheus.Counter
	SpotUpdatesDrops prometheus.Counter

	// Trading metrics
	OrdersPlaced  *prometheus.CounterVec
	OrderFailures *prometheus.CounterVec
	TradesClosed  *prometheus.CounterVec
	PositionsOpen prometheus.Gauge
	TradePnL      prometheus.Histogram
	DailyPnL      prometheus.Gauge

	// Risk metrics
	RiskDenials   *prometheus.CounterVec
	RiskTriggered prometheus.Gauge

	// Reconciliation metrics
	ReconcileRuns    *prometheus.CounterVec
	OrphansArchived  prometheus.Counter
	PositionsAdopted prometheus.Counter
	VolumesCorrected prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "spotbot"
	}

	return &Metrics{
		// Session metrics
		FramesRead: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_read_total",
			Help:      "Total number of frames read from the broker",
		}),
		FramesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_written_total",
			Help:      "Total number of frames written to the broker",
		}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "protocol_errors_total",
			Help:      "Total number of malformed frames dropped",
		}),
		HeartbeatsSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "heartbeats_sent_total",
			Help:      "Total number of heartbeats sent on idle links",
		}),
		Reconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Total number of successful reconnects",
		}),
		SessionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (enum ordinal)",
		}),
		RequestLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "request_latency_seconds",
			Help:      "Correlated request round-trip latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"payload_type"}),
		SpotEventsSeen: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "spot_events_total",
			Help:      "Total number of spot price events received",
		}),
		SpotUpdatesDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "spot_updates_dropped_total",
			Help:      "Total number of coalesced spot notifications (cache retains latest)",
		}),

		// Trading metrics
		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "orders_placed_total",
			Help:      "Total number of filled orders by side",
		}, []string{"side"}),
		OrderFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "order_failures_total",
			Help:      "Total number of failed order placements by reason",
		}, []string{"reason"}),
		TradesClosed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "trades_closed_total",
			Help:      "Total number of closed trades by close reason",
		}, []string{"reason"}),
		PositionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "positions_open",
			Help:      "Current number of open positions",
		}),
		TradePnL: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "trade_pnl",
			Help:      "Realized PnL per closed trade",
			Buckets:   []float64{-500, -100, -50, -10, -1, 0, 1, 10, 50, 100, 500},
		}),
		DailyPnL: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trading",
			Name:      "daily_pnl",
			Help:      "Accumulated realized PnL for the current trading day",
		}),

		// Risk metrics
		RiskDenials: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "denials_total",
			Help:      "Total number of orders denied by the risk gate, by trigger",
		}, []string{"trigger"}),
		RiskTriggered: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "daily_limit_triggered",
			Help:      "1 when the daily loss limit is tripped",
		}),

		// Reconciliation metrics
		ReconcileRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total number of reconciliation runs by status",
		}, []string{"status"}),
		OrphansArchived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "orphans_archived_total",
			Help:      "Total number of local-only positions archived",
		}),
		PositionsAdopted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "positions_adopted_total",
			Help:      "Total number of broker-only positions adopted",
		}),
		VolumesCorrected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "volumes_corrected_total",
			Help:      "Total number of volume mismatches corrected from the broker",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"operation"}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordFrameRead counts one inbound frame.
func RecordFrameRead() {
	DefaultMetrics.FramesRead.Inc()
}

// RecordFrameWritten counts one outbound frame.
func RecordFrameWritten() {
	DefaultMetrics.FramesWritten.Inc()
}

// RecordProtocolError counts one malformed or unexpected inbound frame.
func RecordProtocolError() {
	DefaultMetrics.ProtocolErrors.Inc()
}

// RecordHeartbeatSent counts one idle-link heartbeat.
func RecordHeartbeatSent() {
	DefaultMetrics.HeartbeatsSent.Inc()
}

// RecordReconnect counts one successful reconnect.
func RecordReconnect() {
	DefaultMetrics.Reconnects.Inc()
}

// ObserveRequestLatency records a correlated request round trip.
func ObserveRequestLatency(payloadType string, d time.Duration) {
	DefaultMetrics.RequestLatency.WithLabelValues(payloadType).Observe(d.Seconds())
}

// RecordSpotEvent counts one spot event; dropped marks a coalesced
// notification whose latest value lives only in the price cache.
func RecordSpotEvent(dropped bool) {
	DefaultMetrics.SpotEventsSeen.Inc()
	if dropped {
		DefaultMetrics.SpotUpdatesDrops.Inc()
	}
}

// RecordDBQuery records one database query duration and failure.
func RecordDBQuery(operation string, d time.Duration, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(operation).Observe(d.Seconds())
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(operation).Inc()
	}
}

// RecordOrderPlaced increments the filled order counter.
func RecordOrderPlaced(side string) {
	DefaultMetrics.OrdersPlaced.WithLabelValues(side).Inc()
}

// RecordOrderFailure records a failed order placement.
func RecordOrderFailure(reason string) {
	DefaultMetrics.OrderFailures.WithLabelValues(reason).Inc()
}

// RecordTradeClosed records a closed trade and its realized PnL.
func RecordTradeClosed(reason string, pnl float64) {
	DefaultMetrics.TradesClosed.WithLabelValues(reason).Inc()
	DefaultMetrics.TradePnL.Observe(pnl)
}

// RecordRiskDenial increments the risk denial counter for a trigger.
func RecordRiskDenial(trigger string) {
	DefaultMetrics.RiskDenials.WithLabelValues(trigger).Inc()
}

// RecordReconcileRun records a reconciliation run and its report counts.
func RecordReconcileRun(status string, orphaned, adopted, corrected int) {
	DefaultMetrics.ReconcileRuns.WithLabelValues(status).Inc()
	DefaultMetrics.OrphansArchived.Add(float64(orphaned))
	DefaultMetrics.PositionsAdopted.Add(float64(adopted))
	DefaultMetrics.VolumesCorrected.Add(float64(corrected))
}

// UpdateOpenPositions updates the open positions gauge.
func UpdateOpenPositions(n int) {
	DefaultMetrics.PositionsOpen.Set(float64(n))
}

// UpdateSessionState updates the session state gauge.
func UpdateSessionState(state int) {
	DefaultMetrics.SessionState.Set(float64(state))
}

// UpdateDailyPnL updates the daily PnL gauge and the triggered flag.
func UpdateDailyPnL(pnl float64, triggered bool) {
	DefaultMetrics.DailyPnL.Set(pnl)
	if triggered {
		DefaultMetrics.RiskTriggered.Set(1)
	} else {
		DefaultMetrics.RiskTriggered.Set(0)
	}
}
