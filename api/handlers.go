package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/vlaude/vlaude/wire"
)

// ErrNotFound is returned by a DataSource when the resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrDaemonUnavailable is returned when a live read needs the daemon and it
// is offline with no cached fallback.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// DataSource answers REST reads. The server implementation prefers live
// daemon data and falls back to the sqlite cache.
type DataSource interface {
	Projects(ctx context.Context) ([]wire.ProjectInfo, error)
	ProjectByEncoded(ctx context.Context, encodedName string) (wire.ProjectInfo, error)
	SessionsByPath(ctx context.Context, projectPath string, limit int) ([]wire.SessionInfo, error)
	SessionByID(ctx context.Context, sessionID string) (wire.SessionInfo, error)
	Messages(ctx context.Context, sessionID, projectPath string, limit, offset int, order string) (wire.SessionMessagesPayload, error)
	CreateSession(ctx context.Context, projectPath, text string) (string, error)
}

// StatusSource exposes runtime state for the health endpoint.
type StatusSource interface {
	DaemonConnected() bool
	SessionMode(sessionID string) string
}

// Handlers binds the REST surface to its collaborators.
type Handlers struct {
	data   DataSource
	status StatusSource
	auth   *Authenticator
}

// NewHandlers creates the REST handler set.
func NewHandlers(data DataSource, status StatusSource, auth *Authenticator) *Handlers {
	return &Handlers{data: data, status: status, auth: auth}
}

// GetHealth reports liveness and daemon connectivity.
func (h *Handlers) GetHealth(c *gin.Context) {
	RespondData(c, gin.H{
		"status":          "ok",
		"daemonConnected": h.status.DaemonConnected(),
	})
}

// GenerateToken mints a device token. The endpoint itself requires auth, so
// onboarding a new device happens from a trusted network or with an
// existing token.
func (h *Handlers) GenerateToken(c *gin.Context) {
	var body struct {
		DeviceName string `json:"deviceName" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "deviceName is required")
		return
	}
	token, err := h.auth.Issue(body.DeviceName)
	if err != nil {
		RespondInternalError(c, "token issuing unavailable")
		return
	}
	RespondData(c, gin.H{"token": token, "deviceName": body.DeviceName})
}

// GetProjects lists known projects, newest activity first.
func (h *Handlers) GetProjects(c *gin.Context) {
	projects, err := h.data.Projects(c.Request.Context())
	if err != nil {
		respondDataError(c, err)
		return
	}
	if projects == nil {
		projects = []wire.ProjectInfo{}
	}
	RespondData(c, projects)
}

// GetProject returns one project by its encoded directory name.
func (h *Handlers) GetProject(c *gin.Context) {
	project, err := h.data.ProjectByEncoded(c.Request.Context(), c.Param("encodedName"))
	if err != nil {
		respondDataError(c, err)
		return
	}
	RespondData(c, project)
}

// GetSessionsByPath lists sessions of one project by its real path.
func (h *Handlers) GetSessionsByPath(c *gin.Context) {
	projectPath := c.Query("path")
	if projectPath == "" {
		RespondBadRequest(c, "path is required")
		return
	}
	limit := intQuery(c, "limit", 50)
	sessions, err := h.data.SessionsByPath(c.Request.Context(), projectPath, limit)
	if err != nil {
		respondDataError(c, err)
		return
	}
	if sessions == nil {
		sessions = []wire.SessionInfo{}
	}
	RespondData(c, sessions)
}

// CreateSession starts a fresh assistant session in a project and returns
// the new session's ID once its transcript appears.
func (h *Handlers) CreateSession(c *gin.Context) {
	var body struct {
		ProjectPath string `json:"projectPath" binding:"required"`
		Text        string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "projectPath and text are required")
		return
	}
	sessionID, err := h.data.CreateSession(c.Request.Context(), body.ProjectPath, body.Text)
	if err != nil {
		respondDataError(c, err)
		return
	}
	RespondData(c, gin.H{"sessionId": sessionID, "projectPath": body.ProjectPath})
}

// GetSession returns one session's metadata by ID.
func (h *Handlers) GetSession(c *gin.Context) {
	session, err := h.data.SessionByID(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondDataError(c, err)
		return
	}
	mode := h.status.SessionMode(session.SessionID)
	RespondData(c, gin.H{"session": session, "mode": mode})
}

// GetSessionMessages pages through one session's transcript.
func (h *Handlers) GetSessionMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")
	projectPath := c.Query("projectPath")
	if projectPath == "" {
		RespondBadRequest(c, "projectPath is required")
		return
	}
	order := c.DefaultQuery("order", "asc")
	if order != "asc" && order != "desc" {
		RespondBadRequest(c, "order must be asc or desc")
		return
	}
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)

	page, err := h.data.Messages(c.Request.Context(), sessionID, projectPath, limit, offset, order)
	if err != nil {
		respondDataError(c, err)
		return
	}
	if page.Error != "" {
		RespondNotFound(c, page.Error)
		return
	}
	RespondList(c, page.Messages, page.Total, page.HasMore)
}

func respondDataError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		RespondNotFound(c, err.Error())
	case errors.Is(err, ErrDaemonUnavailable):
		RespondServiceUnavailable(c, err.Error())
	default:
		RespondInternalError(c, err.Error())
	}
}

func intQuery(c *gin.Context, name string, def int) int {
	if raw := c.Query(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			return v
		}
	}
	return def
}
