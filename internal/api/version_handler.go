package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"flagsync/internal/dto/req"
	"flagsync/internal/dto/resp"
	"flagsync/internal/middleware"
	"flagsync/internal/service"
	v1 "flagsync/pkg/api/v1"

	"github.com/gin-gonic/gin"
)

type VersionProvider interface {
	CheckFeature(ctx context.Context, projectID, featureID uint64) error
	CreateVersion(ctx context.Context, environmentID, featureID uint64, snapshot v1.FeatureSnapshot, operator string) (*resp.VersionItem, bool, error)
	PublishVersion(ctx context.Context, sha string, liveFrom *time.Time, operator string) (*resp.VersionItem, error)
	CurrentVersion(ctx context.Context, environmentID, featureID uint64, asOf time.Time) (*resp.VersionItem, error)
	GetVersion(ctx context.Context, sha string) (*resp.VersionItem, error)
	ListVersions(ctx context.Context, environmentID, featureID uint64) ([]resp.VersionItem, error)
	ListAudits(ctx context.Context, environmentID, featureID uint64) ([]resp.AuditLogItem, error)
	Health(ctx context.Context) error
}

type VersionHandler struct {
	service  VersionProvider
	resolver middleware.KeyResolver
}

func NewVersionHandler(service VersionProvider, resolver middleware.KeyResolver) *VersionHandler {
	return &VersionHandler{service: service, resolver: resolver}
}

// featureScope binds the :env_key/:feature_id path and checks the feature
// belongs to the environment's project.
func (h *VersionHandler) featureScope(c *gin.Context) (service.Scope, uint64, bool) {
	var uri req.FeatureVersionURI
	if err := c.ShouldBindUri(&uri); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return service.Scope{}, 0, false
	}
	scope, ok := resolveAdminScope(c, h.resolver, uri.EnvKey)
	if !ok {
		return service.Scope{}, 0, false
	}
	if err := h.service.CheckFeature(c.Request.Context(), scope.ProjectID, uri.FeatureID); err != nil {
		writeError(c, err)
		return service.Scope{}, 0, false
	}
	return scope, uri.FeatureID, true
}

// CreateVersion answers 201 for a new version and 200 when the snapshot was
// already stored.
func (h *VersionHandler) CreateVersion(c *gin.Context) {
	scope, featureID, ok := h.featureScope(c)
	if !ok {
		return
	}
	var body req.CreateVersionRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	ctx := c.Request.Context()
	item, created, err := h.service.CreateVersion(ctx, scope.EnvironmentID, featureID, body.Snapshot, service.GetOperator(ctx))
	if err != nil {
		writeError(c, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	c.JSON(code, item)
}

func (h *VersionHandler) ListVersions(c *gin.Context) {
	scope, featureID, ok := h.featureScope(c)
	if !ok {
		return
	}
	items, err := h.service.ListVersions(c.Request.Context(), scope.EnvironmentID, featureID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *VersionHandler) CurrentVersion(c *gin.Context) {
	scope, featureID, ok := h.featureScope(c)
	if !ok {
		return
	}
	var q req.CurrentVersionQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	asOf := time.Now().UTC()
	if q.AsOf != "" {
		t, err := time.Parse(time.RFC3339, q.AsOf)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"as_of": []string{"Expected an RFC 3339 timestamp."}})
			return
		}
		asOf = t
	}

	item, err := h.service.CurrentVersion(c.Request.Context(), scope.EnvironmentID, featureID, asOf)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *VersionHandler) ListAudits(c *gin.Context) {
	scope, featureID, ok := h.featureScope(c)
	if !ok {
		return
	}
	items, err := h.service.ListAudits(c.Request.Context(), scope.EnvironmentID, featureID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *VersionHandler) GetVersion(c *gin.Context) {
	item, err := h.service.GetVersion(c.Request.Context(), c.Param("sha"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// PublishVersion accepts an empty body, meaning live from now.
func (h *VersionHandler) PublishVersion(c *gin.Context) {
	var body req.PublishVersionRequest
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	ctx := c.Request.Context()
	item, err := h.service.PublishVersion(ctx, c.Param("sha"), body.LiveFrom, service.GetOperator(ctx))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *VersionHandler) HealthCheck(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
