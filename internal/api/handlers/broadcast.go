package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"stream-service/internal/ws"
)

// BroadcastHandler lets other backend components publish into the fan-out
// engine over HTTP.
type BroadcastHandler struct {
	manager *ws.Manager
}

func NewBroadcastHandler(manager *ws.Manager) *BroadcastHandler {
	return &BroadcastHandler{manager: manager}
}

type broadcastRequest struct {
	Payload      map[string]any `json:"payload" binding:"required"`
	TargetUsers  []string       `json:"target_users,omitempty"`
	ExcludeUsers []string       `json:"exclude_users,omitempty"`
}

func (h *BroadcastHandler) ToChannel(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.manager.BroadcastToChannel(c.Param("name"), req.Payload, req.TargetUsers, req.ExcludeUsers)
	if err != nil {
		if errors.Is(err, ws.ErrUnknownChannel) {
			c.JSON(http.StatusNotFound, gin.H{"error": "channel not found"})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"enqueued": true})
}

func (h *BroadcastHandler) ToUser(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.BroadcastToUser(c.Param("id"), req.Payload); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"enqueued": true})
}

func (h *BroadcastHandler) ToAll(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.BroadcastToAll(req.Payload); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"enqueued": true})
}
