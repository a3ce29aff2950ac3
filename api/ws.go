package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vlaude/vlaude/hub"
	"github.com/vlaude/vlaude/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth happens in middleware; browser origins are not a concern
	// for CLI/daemon/mobile clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WebSocketHandler upgrades the connection and hands it to the hub.
func WebSocketHandler(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		log.MarkHijacked(c)
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Str("ip", c.ClientIP()).Msg("websocket upgrade failed")
			c.Abort()
			return
		}
		client := hub.NewClient(h, conn, Subject(c))
		client.Run()
		c.Abort()
	}
}
