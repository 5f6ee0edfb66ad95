package middleware

import (
	"context"
	"net/http"

	"flagsync/internal/model"
	"flagsync/internal/service"
	"flagsync/pkg/constraints"
	"flagsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const ctxScope = "Scope"

// KeyResolver maps an environment key to its environment.
type KeyResolver interface {
	ResolveKey(ctx context.Context, apiKey string) (*model.EnvironmentKey, error)
}

// EnvironmentKeyMiddleware authenticates SDK requests by X-Environment-Key and
// stores the resulting service.Scope on the context.
func EnvironmentKeyMiddleware(resolver KeyResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(constraints.HeaderEnvironmentKey)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Missing environment key."})
			return
		}

		key, err := resolver.ResolveKey(c.Request.Context(), apiKey)
		if err != nil {
			logger.Error("failed to resolve environment key", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		if key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Invalid environment key."})
			return
		}

		c.Set(ctxScope, service.NewScope(key, map[string]string{
			constraints.HeaderEnvironmentKey: apiKey,
		}))
		c.Next()
	}
}

// GetScope returns the scope set by EnvironmentKeyMiddleware.
func GetScope(c *gin.Context) (service.Scope, bool) {
	v, ok := c.Get(ctxScope)
	if !ok {
		return service.Scope{}, false
	}
	scope, ok := v.(service.Scope)
	return scope, ok
}
