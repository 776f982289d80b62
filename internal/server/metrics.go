package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const unmatchedRoute = "unmatched"

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foamsync_http_requests_total",
			Help: "HTTP requests served, by route, action and status.",
		},
		[]string{"method", "route", "action", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foamsync_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "action"},
	)

	realtimeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "foamsync_realtime_dropped_total",
		Help: "Realtime messages dropped because a subscriber buffer was full.",
	})
)

// metricsMiddleware records request counts and latency per route template.
// Routes are labelled by their registered path, so arbitrary request paths cannot grow cardinality.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		action := c.GetString(actionContextKey)
		httpRequestsTotal.WithLabelValues(c.Request.Method, route, action, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, route, action).Observe(time.Since(start).Seconds())
	}
}
