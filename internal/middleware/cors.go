package middleware

import (
	"time"

	"flagsync/pkg/constraints"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSMiddleware lets browser SDKs call the trait API with their client key.
// An empty origin list allows every origin.
func CORSMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin",
			constraints.HeaderContentType,
			"Authorization",
			constraints.HeaderEnvironmentKey,
			constraints.HeaderTraceID,
		},
		ExposeHeaders: []string{constraints.HeaderTraceID, "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
