package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
)

// GinMiddleware records per-route request counts and latency.
func GinMiddleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.ObserveHTTPRequest(route, c.Writer.Status(), time.Since(start))
	}
}
