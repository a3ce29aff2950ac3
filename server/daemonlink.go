package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vlaude/vlaude/api"
	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/db"
	"github.com/vlaude/vlaude/hub"
	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

// daemonRequestTimeout bounds request/response round-trips over the
// daemon's WebSocket connection.
const daemonRequestTimeout = 5 * time.Second

// DaemonLink is the server's view of the daemon. Message delivery and the
// loading probe go over the daemon's small HTTP listener; everything else
// is frames on the daemon's inbound WebSocket connection, with request IDs
// correlating the answers.
//
// It doubles as the REST layer's DataSource: reads prefer live daemon data
// and fall back to the sqlite cache when the daemon is offline or slow.
type DaemonLink struct {
	cfg   *config.Config
	hub   *hub.Hub
	cache *db.Cache
	httpc *http.Client

	mu              sync.Mutex
	pendingMessages map[string]chan wire.SessionMessagesPayload
	pendingProjects map[string]chan wire.ProjectDataPayload
	pendingSessions map[string]chan wire.SessionMetadataPayload
}

// NewDaemonLink wires the link into the hub's daemon hooks.
func NewDaemonLink(cfg *config.Config, h *hub.Hub, cache *db.Cache) *DaemonLink {
	l := &DaemonLink{
		cfg:             cfg,
		hub:             h,
		cache:           cache,
		httpc:           &http.Client{Timeout: 10 * time.Second},
		pendingMessages: make(map[string]chan wire.SessionMessagesPayload),
		pendingProjects: make(map[string]chan wire.ProjectDataPayload),
		pendingSessions: make(map[string]chan wire.SessionMetadataPayload),
	}

	h.OnProjectData = l.handleProjectData
	h.OnSessionMetadata = l.handleSessionMetadata
	h.OnSessionMessages = l.handleSessionMessages
	h.OnSessionDeleted = l.handleSessionDeleted
	h.SetGateway(l)
	return l
}

// ─── hub.DaemonGateway ───────────────────────────────────────────────────

// daemonEnvelope is the daemon HTTP listener's response shape.
type daemonEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// SendMessage delivers user text to the daemon for injection into a session.
func (l *DaemonLink) SendMessage(ctx context.Context, sessionID, projectPath, text, clientID string) error {
	body := map[string]string{
		"sessionId":   sessionID,
		"projectPath": projectPath,
		"text":        text,
		"clientId":    clientID,
	}
	_, err := l.daemonPOST(ctx, "/sessions/send-message", body)
	return err
}

// CheckLoading asks the daemon whether the assistant is mid-turn.
func (l *DaemonLink) CheckLoading(ctx context.Context, sessionID, projectPath string) (bool, error) {
	body := map[string]string{"sessionId": sessionID, "projectPath": projectPath}
	data, err := l.daemonPOST(ctx, "/sessions/check-loading", body)
	if err != nil {
		return false, err
	}
	var result struct {
		Loading bool `json:"loading"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return false, fmt.Errorf("parse loading response: %w", err)
	}
	return result.Loading, nil
}

// CreateSession asks the daemon to spawn a fresh assistant session and
// waits for its transcript to appear.
func (l *DaemonLink) CreateSession(ctx context.Context, projectPath, text string) (string, error) {
	body := map[string]string{"projectPath": projectPath, "text": text}
	data, err := l.daemonPOST(ctx, "/sessions/create", body)
	if err != nil {
		return "", err
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("parse create response: %w", err)
	}
	return result.SessionID, nil
}

func (l *DaemonLink) StartWatching(sessionID, projectPath string) error {
	return l.sendFrame(wire.EventServerStartWatching, wire.WatchData{SessionID: sessionID, ProjectPath: projectPath})
}

func (l *DaemonLink) StopWatching(sessionID string) error {
	return l.sendFrame(wire.EventServerStopWatching, wire.WatchData{SessionID: sessionID})
}

func (l *DaemonLink) WatchNewSession(clientID, projectPath string) error {
	return l.sendFrame(wire.EventServerWatchNewSession, wire.WatchNewSessionData{ClientID: clientID, ProjectPath: projectPath})
}

func (l *DaemonLink) FindNewSession(clientID, projectPath string) error {
	return l.sendFrame(wire.EventServerFindNewSession, wire.WatchNewSessionData{ClientID: clientID, ProjectPath: projectPath})
}

func (l *DaemonLink) ResumeLocal(sessionID string) error {
	return l.sendFrame(wire.EventServerResumeLocal, wire.ResumeLocalData{SessionID: sessionID})
}

func (l *DaemonLink) ApprovalResponse(data wire.ApprovalResponseData) error {
	return l.sendFrame(wire.EventServerApprovalReply, data)
}

func (l *DaemonLink) sendFrame(event string, payload any) error {
	if !l.hub.SendToDaemon(event, payload) {
		return api.ErrDaemonUnavailable
	}
	return nil
}

func (l *DaemonLink) daemonPOST(ctx context.Context, path string, body any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.cfg.DaemonURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", api.ErrDaemonUnavailable, err)
	}
	defer resp.Body.Close()

	var envelope daemonEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("parse daemon response: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("daemon: %s", envelope.Message)
	}
	return envelope.Data, nil
}

// ─── api.DataSource ──────────────────────────────────────────────────────

// Projects prefers a live daemon listing and falls back to the cache.
func (l *DaemonLink) Projects(ctx context.Context) ([]wire.ProjectInfo, error) {
	if l.hub.DaemonConnected() {
		if projects, err := l.requestProjects(ctx); err == nil {
			return projects, nil
		}
	}
	return l.cache.ListProjects(0)
}

func (l *DaemonLink) ProjectByEncoded(ctx context.Context, encodedName string) (wire.ProjectInfo, error) {
	// A live listing refreshes the cache as a side effect
	if l.hub.DaemonConnected() {
		l.requestProjects(ctx)
	}
	project, ok, err := l.cache.GetProjectByEncoded(encodedName)
	if err != nil {
		return wire.ProjectInfo{}, err
	}
	if !ok {
		return wire.ProjectInfo{}, fmt.Errorf("%w: project %s", api.ErrNotFound, encodedName)
	}
	return project, nil
}

func (l *DaemonLink) SessionsByPath(ctx context.Context, projectPath string, limit int) ([]wire.SessionInfo, error) {
	if l.hub.DaemonConnected() {
		if sessions, err := l.requestSessions(ctx, projectPath, limit); err == nil {
			return sessions, nil
		}
	}
	return l.cache.ListSessions(projectPath, limit)
}

func (l *DaemonLink) SessionByID(ctx context.Context, sessionID string) (wire.SessionInfo, error) {
	session, ok, err := l.cache.GetSession(sessionID)
	if err != nil {
		return wire.SessionInfo{}, err
	}
	if !ok {
		return wire.SessionInfo{}, fmt.Errorf("%w: session %s", api.ErrNotFound, sessionID)
	}
	return session, nil
}

// Messages is a live read: transcripts only exist on the daemon's host.
func (l *DaemonLink) Messages(ctx context.Context, sessionID, projectPath string, limit, offset int, order string) (wire.SessionMessagesPayload, error) {
	requestID := uuid.NewString()
	ch := make(chan wire.SessionMessagesPayload, 1)
	l.mu.Lock()
	l.pendingMessages[requestID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pendingMessages, requestID)
		l.mu.Unlock()
	}()

	err := l.sendFrame(wire.EventServerRequestMessages, wire.RequestMessagesData{
		RequestID:   requestID,
		SessionID:   sessionID,
		ProjectPath: projectPath,
		Limit:       limit,
		Offset:      offset,
		Order:       order,
	})
	if err != nil {
		return wire.SessionMessagesPayload{}, err
	}

	select {
	case page := <-ch:
		return page, nil
	case <-ctx.Done():
		return wire.SessionMessagesPayload{}, ctx.Err()
	case <-time.After(daemonRequestTimeout):
		return wire.SessionMessagesPayload{}, fmt.Errorf("%w: request timed out", api.ErrDaemonUnavailable)
	}
}

func (l *DaemonLink) requestProjects(ctx context.Context) ([]wire.ProjectInfo, error) {
	requestID := uuid.NewString()
	ch := make(chan wire.ProjectDataPayload, 1)
	l.mu.Lock()
	l.pendingProjects[requestID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pendingProjects, requestID)
		l.mu.Unlock()
	}()

	if err := l.sendFrame(wire.EventServerRequestProjects, wire.RequestDataData{RequestID: requestID}); err != nil {
		return nil, err
	}
	select {
	case payload := <-ch:
		return payload.Projects, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(daemonRequestTimeout):
		return nil, fmt.Errorf("%w: request timed out", api.ErrDaemonUnavailable)
	}
}

func (l *DaemonLink) requestSessions(ctx context.Context, projectPath string, limit int) ([]wire.SessionInfo, error) {
	requestID := uuid.NewString()
	ch := make(chan wire.SessionMetadataPayload, 1)
	l.mu.Lock()
	l.pendingSessions[requestID] = ch
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pendingSessions, requestID)
		l.mu.Unlock()
	}()

	err := l.sendFrame(wire.EventServerRequestSessions, wire.RequestDataData{
		RequestID:   requestID,
		ProjectPath: projectPath,
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}
	select {
	case payload := <-ch:
		return payload.Sessions, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(daemonRequestTimeout):
		return nil, fmt.Errorf("%w: request timed out", api.ErrDaemonUnavailable)
	}
}

// ─── hub hooks (daemon pushes) ───────────────────────────────────────────

func (l *DaemonLink) handleProjectData(p wire.ProjectDataPayload) {
	if err := l.cache.UpsertProjects(p.Projects); err != nil {
		log.Error().Err(err).Msg("cache project upsert failed")
	}
	if p.RequestID == "" {
		return
	}
	l.mu.Lock()
	ch := l.pendingProjects[p.RequestID]
	l.mu.Unlock()
	if ch != nil {
		select {
		case ch <- p:
		default:
		}
	}
}

func (l *DaemonLink) handleSessionMetadata(p wire.SessionMetadataPayload) {
	if err := l.cache.UpsertSessions(p.ProjectPath, p.Sessions); err != nil {
		log.Error().Err(err).Msg("cache session upsert failed")
	}
	if p.RequestID == "" {
		return
	}
	l.mu.Lock()
	ch := l.pendingSessions[p.RequestID]
	l.mu.Unlock()
	if ch != nil {
		select {
		case ch <- p:
		default:
		}
	}
}

func (l *DaemonLink) handleSessionMessages(p wire.SessionMessagesPayload) {
	l.mu.Lock()
	ch := l.pendingMessages[p.RequestID]
	l.mu.Unlock()
	if ch == nil {
		log.Debug().Str("request_id", p.RequestID).Msg("orphaned messages response")
		return
	}
	select {
	case ch <- p:
	default:
	}
}

func (l *DaemonLink) handleSessionDeleted(sessionID, projectPath string) {
	if err := l.cache.DeleteSession(sessionID); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("cache session delete failed")
	}
}
