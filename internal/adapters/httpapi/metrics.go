package httpapi

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsentry_messages_total",
		Help: "Total messages scored by verdict.",
	}, []string{"verdict"})

	clicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsentry_clicks_total",
		Help: "Total click-time decisions by disposition.",
	}, []string{"action"})

	sandboxJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsentry_sandbox_jobs_total",
		Help: "Total sandbox jobs by terminal state.",
	}, []string{"state"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailsentry_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailsentry_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request
// metrics.
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

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordVerdict counts one scored message.
func RecordVerdict(verdict string) {
	messagesTotal.WithLabelValues(verdict).Inc()
}

// RecordClick counts one click disposition.
func RecordClick(action string) {
	clicksTotal.WithLabelValues(action).Inc()
}

// RecordSandboxJob counts one terminal sandbox job.
func RecordSandboxJob(state string) {
	sandboxJobsTotal.WithLabelValues(state).Inc()
}
