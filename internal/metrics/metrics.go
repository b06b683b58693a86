// Package metrics provides Prometheus instrumentation for the sandbox.
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

const namespace = "cryptocardia"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts governed decisions by outcome and risk band.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "decisions_total",
			Help:      "Total governed decisions by decision and risk band.",
		},
		[]string{"decision", "risk"},
	)

	// IntegrityFailuresTotal counts integrity failures by where they were
	// detected: "scenario" for hard-fail signals, "execution" for a hash
	// mismatch between intended and observed payloads.
	IntegrityFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "integrity_failures_total",
			Help:      "Total integrity failures by detection source.",
		},
		[]string{"source"},
	)

	// PreventedLossUSD accumulates the value of denied attacks.
	PreventedLossUSD = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "prevented_loss_usd_total",
		Help:      "Cumulative attempted value of denied attacks in USD.",
	})

	// RunPersistenceFailuresTotal counts runs whose record or audit event
	// could not be written.
	RunPersistenceFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "run_persistence_failures_total",
		Help:      "Total runs that failed to persist.",
	})

	// AuditEventsTotal counts appended audit events.
	AuditEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Total audit events appended.",
	})

	// AuditVerificationsTotal counts chain verifications by result.
	AuditVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "verifications_total",
			Help:      "Total audit chain verifications by result.",
		},
		[]string{"result"},
	)

	// EvaluationDuration observes end-to-end run latency, persistence included.
	EvaluationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sandbox",
		Name:      "evaluation_duration_seconds",
		Help:      "Run evaluation latency in seconds.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveWebSocketClients tracks connected live-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		IntegrityFailuresTotal,
		PreventedLossUSD,
		RunPersistenceFailuresTotal,
		AuditEventsTotal,
		AuditVerificationsTotal,
		EvaluationDuration,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// RecordDecision updates the per-run counters after a successful run.
func RecordDecision(decision, risk string, integrityFailure, tampered bool, preventedUSD float64) {
	DecisionsTotal.WithLabelValues(decision, risk).Inc()
	if tampered {
		IntegrityFailuresTotal.WithLabelValues("execution").Inc()
	} else if integrityFailure {
		IntegrityFailuresTotal.WithLabelValues("scenario").Inc()
	}
	if preventedUSD > 0 {
		PreventedLossUSD.Add(preventedUSD)
	}
	AuditEventsTotal.Inc()
}

// RecordVerification counts a chain verification outcome.
func RecordVerification(valid bool) {
	if valid {
		AuditVerificationsTotal.WithLabelValues("valid").Inc()
		return
	}
	AuditVerificationsTotal.WithLabelValues("corrupted").Inc()
}

// StartDBStatsCollector periodically samples sql.DBStats and the goroutine
// count into gauges. Call in a goroutine; exits when ctx is done.
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
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Route pattern, not raw path, to bound label cardinality.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
