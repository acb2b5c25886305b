package ws

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware in front.
		return true
	},
}

// Handler exposes the WebSocket upgrade endpoint.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// HandleWebSocket upgrades the request and hands the transport to the
// manager. An optional ?channel= query subscribes during the handshake.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	channel := c.Query("channel")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	go h.manager.Serve(conn, channel)
}
