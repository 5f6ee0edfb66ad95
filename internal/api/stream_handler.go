package api

import (
	"io"
	"net/http"
	"strconv"

	"flagsync/internal/dto/resp"
	"flagsync/internal/middleware"
	"flagsync/internal/service"
	v1 "flagsync/pkg/api/v1"
	"flagsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const clientSendBuffer = 128

type StreamProvider interface {
	GetCompensation(lastRev int64) ([]v1.Message, bool)
	Snapshot(environmentID uint64) ([]v1.PublishedVersion, int64)
}

type StreamHandler struct {
	service StreamProvider
	hub     *service.Hub
}

func NewStreamHandler(service StreamProvider, hub *service.Hub) *StreamHandler {
	return &StreamHandler{
		service: service,
		hub:     hub,
	}
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
}

// WatchVersions streams published versions of the key's environment. A
// client passing last_rev first receives what it missed, or a reset event
// when the buffer no longer reaches back that far.
func (h *StreamHandler) WatchVersions(c *gin.Context) {
	scope, _ := middleware.GetScope(c)

	var lastRev int64
	resume := false
	if s := c.Query("last_rev"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"last_rev": []string{"A valid revision is required."}})
			return
		}
		lastRev, resume = n, true
	}

	client := &service.Client{
		Send:          make(chan v1.Message, clientSendBuffer),
		EnvironmentID: scope.EnvironmentID,
	}
	if !h.hub.Subscribe(client) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}
	defer h.hub.Unsubscribe(client)

	logger.Info("stream client connected",
		zap.Uint64("environment_id", scope.EnvironmentID),
		zap.Int64("last_rev", lastRev),
		zap.String("ip", c.ClientIP()),
	)
	sseHeaders(c)

	maxSentRev := lastRev
	if resume {
		messages, ok := h.service.GetCompensation(lastRev)
		if !ok {
			c.SSEvent("reset", "revision_too_old")
		}
		for _, msg := range messages {
			if msg.EnvironmentID != scope.EnvironmentID {
				continue
			}
			c.SSEvent("message", msg)
			maxSentRev = msg.Revision
		}
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return false
			}
			if msg.Type == service.MessageTypePing {
				c.SSEvent("ping", "pong")
				return true
			}
			// already delivered from the buffer
			if msg.Revision <= maxSentRev {
				return true
			}
			c.SSEvent("message", msg)
			maxSentRev = msg.Revision
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// DashboardWatch streams every environment, or one when environment_id is
// given, to an operator.
func (h *StreamHandler) DashboardWatch(c *gin.Context) {
	envID, _ := strconv.ParseUint(c.Query("environment_id"), 10, 64)
	client := &service.Client{
		Send:          make(chan v1.Message, clientSendBuffer),
		EnvironmentID: envID,
	}
	if !h.hub.Subscribe(client) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "stream unavailable"})
		return
	}
	defer h.hub.Unsubscribe(client)

	logger.Info("dashboard client connected",
		zap.String("operator", service.GetOperator(c.Request.Context())),
		zap.String("ip", c.ClientIP()),
	)
	sseHeaders(c)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-client.Send:
			if !ok {
				return false
			}
			if msg.Type == service.MessageTypePing {
				c.SSEvent("ping", "pong")
				return true
			}
			c.SSEvent("message", msg)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Snapshot returns the live replica of the key's environment together with
// the revision to resume a watch from.
func (h *StreamHandler) Snapshot(c *gin.Context) {
	scope, _ := middleware.GetScope(c)
	versions, rev := h.service.Snapshot(scope.EnvironmentID)
	if versions == nil {
		versions = []v1.PublishedVersion{}
	}
	c.JSON(http.StatusOK, resp.SnapshotResponse{Data: versions, Revision: rev})
}
