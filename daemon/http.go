package daemon

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/log"
)

// HTTPServer is the daemon's small local listener. The server calls it for
// the two operations that need a synchronous answer: message delivery and
// the loading probe.
type HTTPServer struct {
	cfg     *config.Config
	service *Service
	http    *http.Server
}

// NewHTTPServer builds the listener over the given service.
func NewHTTPServer(cfg *config.Config, service *Service) *HTTPServer {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(log.GinLogger())
	router.SetTrustedProxies(nil)

	s := &HTTPServer{cfg: cfg, service: service}
	router.POST("/sessions/send-message", s.sendMessage)
	router.POST("/sessions/check-loading", s.checkLoading)
	router.POST("/sessions/create", s.createSession)

	s.http = &http.Server{
		Addr:     fmt.Sprintf("%s:%d", cfg.DaemonHost, cfg.DaemonPort),
		Handler:  router,
		ErrorLog: log.StdErrorLogger(),
	}
	return s
}

// Start runs the listener; it blocks until shutdown or failure.
func (s *HTTPServer) Start() error {
	log.Info().Str("addr", s.http.Addr).Msg("daemon listener starting")
	return s.http.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type sessionRequest struct {
	SessionID   string `json:"sessionId" binding:"required"`
	ProjectPath string `json:"projectPath" binding:"required"`
	Text        string `json:"text"`
	ClientID    string `json:"clientId"`
}

func (s *HTTPServer) sendMessage(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}
	if req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "text is required"})
		return
	}

	if err := s.service.DeliverMessage(c.Request.Context(), req.SessionID, req.ProjectPath, req.Text, req.ClientID); err != nil {
		log.Error().Err(err).Str("session_id", req.SessionID).Msg("message delivery failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *HTTPServer) createSession(c *gin.Context) {
	var req struct {
		ProjectPath string `json:"projectPath" binding:"required"`
		Text        string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	sessionID, err := s.service.CreateSession(c.Request.Context(), req.ProjectPath, req.Text)
	if err != nil {
		log.Error().Err(err).Str("project", req.ProjectPath).Msg("session creation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"sessionId": sessionID}})
}

func (s *HTTPServer) checkLoading(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	loading, err := s.service.CheckLoading(req.SessionID, req.ProjectPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{"loading": loading}})
}
