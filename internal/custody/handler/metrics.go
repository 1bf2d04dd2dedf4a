package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
)

var (
	chainlogRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainlog_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	chainlogRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chainlog_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	chainlogEntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainlog_entries_appended_total",
		Help: "Total ledger entries appended over the API.",
	})

	chainlogChainValid = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainlog_chain_valid",
		Help: "1 when the last chain audit passed, 0 when it found a violation.",
	})

	chainlogChainEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chainlog_chain_entries",
		Help: "Chain length observed by the last audit.",
	})

	chainlogAuditChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainlog_audit_checks_total",
		Help: "Total chain audits by result.",
	}, []string{"result"})

	chainlogSnapshotsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chainlog_snapshots_exported_total",
		Help: "Total signed snapshots exported.",
	})

	chainlogWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chainlog_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		chainlogRequestsTotal.WithLabelValues(method, path, status).Inc()
		chainlogRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsAuth returns a middleware that guards the metrics endpoint with
// HTTP basic auth against a bcrypt password hash. An empty hash disables
// the check.
func MetricsAuth(passwordHash string) gin.HandlerFunc {
	if passwordHash == "" {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		_, pass, ok := c.Request.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) != nil {
			c.Header("WWW-Authenticate", `Basic realm="metrics"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}
		c.Next()
	}
}

// RecordEntryAppend records an entry appended over the API.
func RecordEntryAppend() {
	chainlogEntriesTotal.Inc()
}

// RecordSnapshotExport records a signed snapshot export.
func RecordSnapshotExport() {
	chainlogSnapshotsTotal.Inc()
}

// RecordAuditCheck records a chain audit result and updates the chain
// gauges.
func RecordAuditCheck(valid bool, entries int) {
	if valid {
		chainlogAuditChecksTotal.WithLabelValues("valid").Inc()
		chainlogChainValid.Set(1)
	} else {
		chainlogAuditChecksTotal.WithLabelValues("invalid").Inc()
		chainlogChainValid.Set(0)
	}
	chainlogChainEntries.Set(float64(entries))
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		chainlogWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		chainlogWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
