package api

import (
	"context"
	"encoding/json"
	"net/http"

	"flagsync/internal/dto/req"
	"flagsync/internal/dto/resp"
	"flagsync/internal/middleware"
	"flagsync/internal/service"
	v1 "flagsync/pkg/api/v1"

	"github.com/gin-gonic/gin"
)

type TraitProvider interface {
	SetTrait(ctx context.Context, scope service.Scope, r v1.TraitRequest, body []byte) (*resp.TraitItem, error)
	IncrementTrait(ctx context.Context, scope service.Scope, r v1.IncrementRequest) (*v1.IncrementResponse, error)
	BulkUpsertTraits(ctx context.Context, scope service.Scope, entries []json.RawMessage, body []byte) ([]service.BulkOutcome, error)
	ListTraits(ctx context.Context, scope service.Scope, identifier string) ([]resp.TraitItem, error)
	GetTrait(ctx context.Context, scope service.Scope, identifier, key string) (*resp.TraitItem, error)
	DeleteTrait(ctx context.Context, scope service.Scope, identifier, key string) error
	DeleteAllMatching(ctx context.Context, scope service.Scope, key string) (int64, error)
}

// TraitHandler serves the SDK trait endpoints, authenticated by environment key.
type TraitHandler struct {
	service TraitProvider
}

func NewTraitHandler(service TraitProvider) *TraitHandler {
	return &TraitHandler{service: service}
}

func (h *TraitHandler) SetTrait(c *gin.Context) {
	scope, _ := middleware.GetScope(c)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "could not read request body"})
		return
	}
	var r v1.TraitRequest
	if err := json.Unmarshal(body, &r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON format error"})
		return
	}

	item, err := h.service.SetTrait(c.Request.Context(), scope, r, body)
	if err != nil {
		writeError(c, err)
		return
	}
	if item == nil {
		c.JSON(http.StatusOK, gin.H{"identifier": r.Identity.Identifier, "trait_key": r.TraitKey, "deleted": true})
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *TraitHandler) IncrementTrait(c *gin.Context) {
	scope, _ := middleware.GetScope(c)
	var r v1.IncrementRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "JSON format error"})
		return
	}

	res, err := h.service.IncrementTrait(c.Request.Context(), scope, r)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// BulkUpsertTraits answers 200 with one item per entry, in order. Entries
// that failed carry their error; the others are already committed.
func (h *TraitHandler) BulkUpsertTraits(c *gin.Context) {
	scope, _ := middleware.GetScope(c)
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "could not read request body"})
		return
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "expected a list of traits"})
		return
	}

	outcomes, err := h.service.BulkUpsertTraits(c.Request.Context(), scope, entries, body)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]resp.BulkItem, 0, len(outcomes))
	for _, o := range outcomes {
		item := resp.BulkItem{Index: o.Index, Identifier: o.Identifier, TraitKey: o.TraitKey, Deleted: o.Deleted}
		if o.Err != nil {
			_, item.Error = statusOf(o.Err)
		}
		items = append(items, item)
	}
	c.JSON(http.StatusOK, items)
}

func (h *TraitHandler) ListTraits(c *gin.Context) {
	scope, _ := middleware.GetScope(c)
	var q req.ListTraitsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"identifier": []string{"This field is required."}})
		return
	}
	items, err := h.service.ListTraits(c.Request.Context(), scope, q.Identifier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.TraitListResponse{Identifier: q.Identifier, Traits: items})
}
