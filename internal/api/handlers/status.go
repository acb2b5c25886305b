package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stream-service/internal/ws"
)

// StatusHandler exposes read-only views of the engine: health, the channel
// catalog, metric snapshots and per-connection introspection.
type StatusHandler struct {
	manager *ws.Manager
}

func NewStatusHandler(manager *ws.Manager) *StatusHandler {
	return &StatusHandler{manager: manager}
}

func (h *StatusHandler) Health(c *gin.Context) {
	if !h.manager.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *StatusHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.GetMetrics())
}

func (h *StatusHandler) Channels(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Catalog())
}

func (h *StatusHandler) ConnectionInfo(c *gin.Context) {
	info, ok := h.manager.GetConnectionInfo(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	c.JSON(http.StatusOK, info)
}
