package api

import (
	"net/http"

	"flagsync/internal/dto/req"
	"flagsync/internal/dto/resp"
	"flagsync/internal/middleware"
	"flagsync/internal/service"
	"flagsync/pkg/constraints"
	"flagsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdentityHandler is the operator view of identity traits. The environment
// comes from the :env_key path parameter rather than a request header.
type IdentityHandler struct {
	service  TraitProvider
	resolver middleware.KeyResolver
}

func NewIdentityHandler(service TraitProvider, resolver middleware.KeyResolver) *IdentityHandler {
	return &IdentityHandler{service: service, resolver: resolver}
}

func (h *IdentityHandler) ListTraits(c *gin.Context) {
	var uri req.IdentityTraitURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope, ok := resolveAdminScope(c, h.resolver, uri.EnvKey)
	if !ok {
		return
	}

	items, err := h.service.ListTraits(c.Request.Context(), scope, uri.Identifier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.TraitListResponse{Identifier: uri.Identifier, Traits: items})
}

func (h *IdentityHandler) GetTrait(c *gin.Context) {
	var uri req.DeleteTraitURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope, ok := resolveAdminScope(c, h.resolver, uri.EnvKey)
	if !ok {
		return
	}

	item, err := h.service.GetTrait(c.Request.Context(), scope, uri.Identifier, uri.TraitKey)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// DeleteTrait removes one trait, or with deleteAllMatchingTraits=true the
// key from every identity in the environment.
func (h *IdentityHandler) DeleteTrait(c *gin.Context) {
	var uri req.DeleteTraitURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var q req.DeleteTraitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	scope, ok := resolveAdminScope(c, h.resolver, uri.EnvKey)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if q.DeleteAllMatching {
		n, err := h.service.DeleteAllMatching(ctx, scope, uri.TraitKey)
		if err != nil {
			writeError(c, err)
			return
		}
		logger.Info("operator deleted matching traits",
			zap.String("operator", service.GetOperator(ctx)),
			zap.String("trait_key", uri.TraitKey),
		)
		c.JSON(http.StatusOK, resp.DeleteTraitsResponse{Deleted: n})
		return
	}

	if err := h.service.DeleteTrait(ctx, scope, uri.Identifier, uri.TraitKey); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// resolveAdminScope writes the error response itself and reports false when
// envKey is unusable. Operators act with server-key rights.
func resolveAdminScope(c *gin.Context, resolver middleware.KeyResolver, envKey string) (service.Scope, bool) {
	key, err := resolver.ResolveKey(c.Request.Context(), envKey)
	if err != nil {
		writeError(c, err)
		return service.Scope{}, false
	}
	if key == nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "environment not found"})
		return service.Scope{}, false
	}
	scope := service.NewScope(key, nil)
	scope.KeyKind = constraints.KeyKindServer
	return scope, true
}

