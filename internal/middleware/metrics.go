package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/live-assets/asset-repository/internal/telemetry"
)

// noRouteLabel is the path label for requests that matched no route.
const noRouteLabel = "<no-route>"

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path} for every request.
//
// The path label is the matched route template (e.g. /api/v1/download), never
// the raw URL, so query strings carrying filenames and tokens stay out of the
// label set. Unmatched requests use "<no-route>".
//
// Register it after gin.Recovery() and RequestIDMiddleware so the status set
// by error handlers is captured:
//
//	router.Use(gin.Recovery())
//	router.Use(RequestIDMiddleware())
//	router.Use(MetricsMiddleware())
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRouteLabel
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
