// Package metrics provides Prometheus instrumentation for the marketpay platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LedgerAppendsTotal counts ledger batch appends by result
	// (committed, replayed, rejected).
	LedgerAppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "ledger_appends_total",
			Help:      "Total ledger batch appends by result.",
		},
		[]string{"result"},
	)

	// EscrowTransitionsTotal counts escrow state transitions by target status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by target status.",
		},
		[]string{"to"},
	)

	// EscrowAutoReleasedTotal counts escrows released by the scheduler.
	EscrowAutoReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "escrow_auto_released_total",
		Help:      "Total escrows auto-released after their deadline.",
	})

	// EscrowHeldDuration observes time from hold to terminal state.
	EscrowHeldDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketpay",
		Name:      "escrow_held_duration_seconds",
		Help:      "Time from escrow creation to resolution in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800, 1209600},
	})

	// GatewayAttemptsTotal counts payment gateway authorize attempts by result
	// (authorized, declined, timeout, unavailable).
	GatewayAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "gateway_attempts_total",
			Help:      "Total payment gateway authorization attempts by result.",
		},
		[]string{"result"},
	)

	// OrdersTotal counts draft orders by final status.
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "orders_total",
			Help:      "Total draft orders by status.",
		},
		[]string{"status"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "marketpay",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		LedgerAppendsTotal,
		EscrowTransitionsTotal,
		EscrowAutoReleasedTotal,
		EscrowHeldDuration,
		GatewayAttemptsTotal,
		OrdersTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware records request count and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, httpStatusLabel(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func httpStatusLabel(status int) string {
	switch {
	case status < 200:
		return "1xx"
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

// CollectRuntime samples process-level gauges. Call periodically.
func CollectRuntime(db *sql.DB) {
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
	if db != nil {
		stats := db.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBInUseConnections.Set(float64(stats.InUse))
	}
}

// StartRuntimeCollector runs CollectRuntime on an interval until ctx is done.
func StartRuntimeCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			CollectRuntime(db)
		}
	}
}
