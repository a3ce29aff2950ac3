package api

import (
	"net/http"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/vlaude/vlaude/hub"
)

// RegisterRoutes mounts the full HTTP surface: REST, the WebSocket
// endpoint, and Prometheus metrics. Everything sits behind auth; trusted
// CIDRs (the daemon, localhost) pass without a token.
func RegisterRoutes(r *gin.Engine, h *Handlers, wsHub *hub.Hub, auth *Authenticator, metricsHandler http.Handler) {
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/ws"})))

	authed := r.Group("/", auth.Middleware())

	authed.GET("/ws", WebSocketHandler(wsHub))
	authed.GET("/metrics", gin.WrapH(metricsHandler))

	api := authed.Group("/api")
	{
		api.GET("/health", h.GetHealth)
		api.POST("/auth/generate-token", h.GenerateToken)

		api.GET("/projects", h.GetProjects)
		api.GET("/projects/:encodedName", h.GetProject)

		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions/by-path", h.GetSessionsByPath)
		api.GET("/sessions/by-session-id/:sessionId", h.GetSession)
		api.GET("/sessions/:sessionId/messages", h.GetSessionMessages)
	}
}
