// Package metrics provides Prometheus instrumentation for the Taskbay platform.
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
			Namespace: "taskbay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskbay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AssignmentsCreatedTotal counts assignments posted.
	AssignmentsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "assignments_created_total",
		Help:      "Total assignments posted.",
	})

	// AssignmentTransitionsTotal counts assignment status transitions.
	AssignmentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbay",
			Name:      "assignment_transitions_total",
			Help:      "Total assignment status transitions by from/to pair.",
		},
		[]string{"from", "to"},
	)

	// BidsSubmittedTotal counts bids placed.
	BidsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "bids_submitted_total",
		Help:      "Total bids submitted.",
	})

	// BidsAcceptedTotal counts successful bid acceptances.
	BidsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "bids_accepted_total",
		Help:      "Total bids accepted with escrow funded.",
	})

	// PaymentsReleasedTotal counts escrow releases (captures).
	PaymentsReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "payments_released_total",
		Help:      "Total escrow payments released to doers.",
	})

	// PaymentsRefundedTotal counts dispute refunds.
	PaymentsRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "payments_refunded_total",
		Help:      "Total escrow payments refunded to posters.",
	})

	// DisputesOpenedTotal counts disputes opened.
	DisputesOpenedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened.",
	})

	// DisputesResolvedTotal counts dispute resolutions by outcome.
	DisputesResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbay",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by outcome.",
		},
		[]string{"outcome"},
	)

	// EscrowHeldCents tracks the running total of cents placed in escrow.
	EscrowHeldCents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "escrow_held_cents_total",
		Help:      "Total cents placed under escrow hold.",
	})

	// ProviderCallsTotal counts payment provider calls by operation and result.
	ProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbay",
			Name:      "provider_calls_total",
			Help:      "Total payment provider calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// WebhookEventsTotal counts provider webhook deliveries by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskbay",
			Name:      "webhook_events_total",
			Help:      "Total provider webhook events by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskbay",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "taskbay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AssignmentsCreatedTotal,
		AssignmentTransitionsTotal,
		BidsSubmittedTotal,
		BidsAcceptedTotal,
		PaymentsReleasedTotal,
		PaymentsRefundedTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		EscrowHeldCents,
		ProviderCallsTotal,
		WebhookEventsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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
