// Package middleware holds the Gin middleware of the access gateway: request
// plumbing (IDs, metrics, security headers, rate limits), the edge path hint,
// session scoping, the access guards and audit capture. Everything here is
// registered in internal/api/router.go.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/freightdesk/freightdesk/internal/telemetry"
)

// MetricsMiddleware records http_requests_total and
// http_request_duration_seconds for every request.
//
// The path label is the matched route template (c.FullPath()), e.g.
// /dashboard/shipper/*path, never the raw URL. Unmatched requests use
// "<no-route>" so scanners cannot blow up label cardinality.
//
// Register after gin.Recovery() and RequestIDMiddleware so statuses written
// by recovery are captured:
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
			path = "<no-route>"
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
