package middleware

import (
	"strconv"
	"time"

	"flagsync/internal/metrics"

	"github.com/gin-gonic/gin"
)

// HttpMiddleware records request durations by route template.
func HttpMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPDuration.WithLabelValues(path, c.Request.Method, status).Observe(time.Since(start).Seconds())
	}
}
