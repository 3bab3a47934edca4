// Package metrics provides Prometheus instrumentation for the intelligence
// telemetry pipeline.
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
			Namespace: "skywalker",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status bucket.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "skywalker",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsPublishedTotal counts envelopes accepted by the bus, by domain.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skywalker",
			Name:      "events_published_total",
			Help:      "Total envelopes accepted onto the event bus by domain.",
		},
		[]string{"domain"},
	)

	// EventsDeliveredTotal counts per-subscriber deliveries.
	EventsDeliveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skywalker",
		Name:      "events_delivered_total",
		Help:      "Total envelope deliveries to subscribers.",
	})

	// EventsDroppedTotal counts envelopes evicted under drop-oldest overflow.
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skywalker",
		Name:      "events_dropped_total",
		Help:      "Total envelopes evicted from the bus queue under drop-oldest policy.",
	})

	// EventsRejectedTotal counts publishes refused under reject-new overflow.
	EventsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skywalker",
		Name:      "events_rejected_total",
		Help:      "Total publishes rejected by the bus under reject-new policy.",
	})

	// BusQueueLength tracks the current bus queue depth.
	BusQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skywalker",
		Name:      "bus_queue_length",
		Help:      "Current number of envelopes waiting in the bus queue.",
	})

	// RiskIndex tracks the derived 0-100 risk index.
	RiskIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skywalker",
		Name:      "risk_index",
		Help:      "Current derived risk index (0-100).",
	})

	// ComponentScore tracks per-component risk scores.
	ComponentScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skywalker",
			Name:      "risk_component_score",
			Help:      "Per-component risk score (0-100).",
		},
		[]string{"component"},
	)

	// ComponentWeight tracks the aggregator's current weights.
	ComponentWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skywalker",
			Name:      "risk_component_weight",
			Help:      "Current aggregator weight per component (sums to 1).",
		},
		[]string{"component"},
	)

	// ForecastRiskIndex tracks the projected risk index per horizon.
	ForecastRiskIndex = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "skywalker",
			Name:      "forecast_risk_index",
			Help:      "Forecast risk index by horizon (minutes).",
		},
		[]string{"horizon"},
	)

	// RecommendationsTotal counts prescriptive recommendations by category.
	RecommendationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "skywalker",
			Name:      "recommendations_total",
			Help:      "Total prescriptive recommendations generated by category.",
		},
		[]string{"category"},
	)

	// RollupFlushTotal counts rollup rows flushed to the store.
	RollupFlushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "skywalker",
		Name:      "rollup_rows_flushed_total",
		Help:      "Total rollup rows flushed to the persisted store.",
	})

	// ClusterLeader reports 1 when this node currently holds leadership.
	ClusterLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skywalker",
		Name:      "cluster_leader",
		Help:      "1 when this node holds the cluster computation lease.",
	})

	// ActiveWebSocketClients tracks connected dashboard stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skywalker",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skywalker", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skywalker", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skywalker", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "skywalker", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsPublishedTotal,
		EventsDeliveredTotal,
		EventsDroppedTotal,
		EventsRejectedTotal,
		BusQueueLength,
		RiskIndex,
		ComponentScore,
		ComponentWeight,
		ForecastRiskIndex,
		RecommendationsTotal,
		RollupFlushTotal,
		ClusterLeader,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
// db may be nil (single-node, in-memory deployments).
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBIdleConnections.Set(float64(stats.Idle))
				DBInUseConnections.Set(float64(stats.InUse))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
