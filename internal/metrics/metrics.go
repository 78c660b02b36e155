package metrics

import (
	"expvar"

	"github.com/prometheus/client_golang/prometheus"
)

// 订单执行相关指标（/metrics，Prometheus 文本格式）：
//   - ib_orders_submitted_total{side}
//   - ib_orders_resolved_total{status}
//   - ib_order_anomalies_total
//   - ib_order_resolve_seconds
//   - ib_order_queue_depth
//   - ib_session_reconnects_total{role}
//   - ib_session_connected{role}
//   - ib_reader_query_errors_total{query}
var (
	OrdersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ib_orders_submitted_total",
			Help: "Orders written to the gateway session",
		},
		[]string{"side"},
	)

	OrdersResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ib_orders_resolved_total",
			Help: "Order results returned to callers, by status",
		},
		[]string{"status"},
	)

	OrderAnomalies = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ib_order_anomalies_total",
			Help: "Dropped out-of-order or unreachable status updates",
		},
	)

	OrderResolveSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ib_order_resolve_seconds",
			Help:    "Time from submission to result",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ib_order_queue_depth",
			Help: "Commands waiting in the order worker queue",
		},
	)

	SessionReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ib_session_reconnects_total",
			Help: "Session reconnect attempts",
		},
		[]string{"role"},
	)

	SessionConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ib_session_connected",
			Help: "1 when the session is connected",
		},
		[]string{"role"},
	)

	ReaderQueryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ib_reader_query_errors_total",
			Help: "Failed read-only queries",
		},
		[]string{"query"},
	)
)

// expvar 计数（/debug/vars），方便不接 Prometheus 时快速查看
var (
	ProfileSwitches = expvar.NewInt("profile_switches")
	ReaderRefreshes = expvar.NewInt("reader_refreshes")
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersResolved, OrderAnomalies, OrderResolveSeconds, QueueDepth)
	prometheus.MustRegister(SessionReconnects, SessionConnected, ReaderQueryErrors)
}

// SetConnected 更新 session 连接状态
func SetConnected(role string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	SessionConnected.WithLabelValues(role).Set(v)
}
