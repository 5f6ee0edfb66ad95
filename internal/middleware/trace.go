package middleware

import (
	"flagsync/internal/service"
	"flagsync/pkg/constraints"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const ctxTraceID = "TraceID"

// TraceMiddleware reuses the caller's X-Trace-ID or mints one, and puts it on
// the request context so the outbox and audit rows carry it.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(constraints.HeaderTraceID)
		if traceID == "" || len(traceID) > 64 {
			traceID = uuid.New().String()
		}
		c.Set(ctxTraceID, traceID)
		c.Request = c.Request.WithContext(service.WithTraceID(c.Request.Context(), traceID))
		c.Writer.Header().Set(constraints.HeaderTraceID, traceID)
		c.Next()
	}
}
