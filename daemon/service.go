// Package daemon is the per-host sidecar: it owns the transcript store and
// its watchers, keeps an outbound WebSocket connection to the server, and
// drives the assistant binary when a session is controlled remotely.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/transcript"
	"github.com/vlaude/vlaude/wire"
)

// Version is stamped at build time.
var Version = "dev"

const (
	initialProjectLimit = 20
	initialSessionLimit = 50
	findSessionWindow   = 60 * time.Second

	reconnectBase = time.Second
	reconnectMax  = 5 * time.Second
)

// Service is the daemon's coordination core.
type Service struct {
	cfg       *config.Config
	store     *transcript.Store
	watcher   *transcript.Watcher
	detector  *transcript.Detector
	approvals *approvalTable

	connMu sync.Mutex
	conn   *websocket.Conn
	ctx    context.Context

	runnerMu   sync.Mutex
	runners    map[string]*Runner
	lastSender map[string]string // sessionID → mobile client that last sent text
}

// New creates the daemon service over the given transcript store.
func New(cfg *config.Config, store *transcript.Store) *Service {
	s := &Service{
		cfg:        cfg,
		store:      store,
		watcher:    transcript.NewWatcher(store),
		detector:   transcript.NewDetector(store.Paths()),
		approvals:  newApprovalTable(),
		runners:    make(map[string]*Runner),
		lastSender: make(map[string]string),
	}

	s.watcher.OnMessage = func(e transcript.Event) {
		s.send(wire.EventDaemonNewMessage, wire.NewMessageData{
			SessionID:   e.SessionID,
			ProjectPath: e.ProjectPath,
			Message:     e.Record.Raw,
			Timestamp:   time.Now().UnixMilli(),
		})
	}
	s.watcher.OnMetrics = func(m wire.MetricsData) {
		s.send(wire.EventDaemonMetricsUpdate, m)
	}
	s.watcher.OnDeleted = func(sessionID, projectPath string) {
		s.send(wire.EventDaemonSessionDeleted, wire.SessionInfo{
			SessionID:   sessionID,
			ProjectPath: projectPath,
			Deleted:     true,
		})
	}
	return s
}

// Run maintains the server connection forever: dial, register, push data,
// dispatch frames, reconnect with capped exponential backoff.
func (s *Service) Run(ctx context.Context) error {
	s.ctx = ctx
	backoff := reconnectBase
	for {
		conn, _, err := websocket.Dial(ctx, s.cfg.ServerURL+"/ws", nil)
		if err != nil {
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("server dial failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		conn.SetReadLimit(16 * 1024 * 1024)
		backoff = reconnectBase

		s.setConn(conn)
		s.register()
		s.pushInitialData("")

		s.readLoop(ctx, conn)
		s.setConn(nil)
		conn.Close(websocket.StatusNormalClosure, "reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *Service) setConn(conn *websocket.Conn) {
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
}

// send delivers one frame to the server; frames while disconnected are
// dropped (the post-reconnect data push re-establishes state).
func (s *Service) send(event string, payload any) {
	data, err := wire.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		log.Debug().Str("event", event).Msg("dropping frame while disconnected")
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("frame write failed")
	}
}

func (s *Service) register() {
	hostname, _ := os.Hostname()
	s.send(wire.EventDaemonRegister, wire.RegisterData{
		Hostname: hostname,
		Platform: runtime.GOOS,
		Version:  Version,
	})
	s.send(wire.EventDaemonOnline, nil)
}

// pushInitialData sends the most recent projects and their sessions so the
// server cache is warm before any client asks.
func (s *Service) pushInitialData(requestID string) {
	projects, err := s.store.ListProjects(initialProjectLimit)
	if err != nil {
		log.Error().Err(err).Msg("initial project listing failed")
		return
	}
	s.send(wire.EventDaemonProjectData, wire.ProjectDataPayload{
		RequestID: requestID,
		Projects:  projects,
	})
	for _, p := range projects {
		s.pushSessionMetadata("", p.Path, initialSessionLimit)
	}
}

func (s *Service) pushSessionMetadata(requestID, projectPath string, limit int) {
	sessions, err := s.store.ListSessions(projectPath, limit)
	if err != nil {
		log.Warn().Err(err).Str("project", projectPath).Msg("session listing failed")
		return
	}
	s.send(wire.EventDaemonSessionMetadata, wire.SessionMetadataPayload{
		RequestID:   requestID,
		ProjectPath: projectPath,
		Sessions:    sessions,
	})
}

func (s *Service) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("server connection lost")
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("malformed server frame")
			continue
		}
		s.handleFrame(frame)
	}
}

func (s *Service) handleFrame(frame wire.Frame) {
	switch frame.Event {
	case wire.EventServerStartWatching:
		var w wire.WatchData
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			return
		}
		if err := s.watcher.Acquire(w.SessionID, w.ProjectPath); err != nil {
			log.Error().Err(err).Str("session_id", w.SessionID).Msg("watch acquire failed")
		}

	case wire.EventServerStopWatching:
		var w wire.WatchData
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			return
		}
		s.watcher.Release(w.SessionID)

	case wire.EventServerWatchNewSession:
		s.handleWatchNewSession(frame.Data)

	case wire.EventServerFindNewSession:
		s.handleFindNewSession(frame.Data)

	case wire.EventServerResumeLocal:
		var r wire.ResumeLocalData
		if err := json.Unmarshal(frame.Data, &r); err != nil {
			return
		}
		s.handleResumeLocal(r.SessionID)

	case wire.EventServerApprovalReply:
		var resp wire.ApprovalResponseData
		if err := json.Unmarshal(frame.Data, &resp); err != nil {
			return
		}
		if !s.approvals.Resolve(resp) {
			log.Info().Str("request_id", resp.RequestID).Msg("verdict for expired approval")
			s.send(wire.EventDaemonApprovalExpired, wire.ApprovalTimeoutData{
				RequestID: resp.RequestID,
				SessionID: sessionFromRequestID(resp.RequestID),
			})
		}

	case wire.EventServerRequestMessages:
		s.handleRequestMessages(frame.Data)

	case wire.EventServerRequestProjects:
		var req wire.RequestDataData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return
		}
		s.pushInitialData(req.RequestID)

	case wire.EventServerRequestSessions:
		var req wire.RequestDataData
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			return
		}
		limit := req.Limit
		if limit <= 0 {
			limit = initialSessionLimit
		}
		s.pushSessionMetadata(req.RequestID, req.ProjectPath, limit)

	default:
		log.Warn().Str("event", frame.Event).Msg("unknown server event")
	}
}

func (s *Service) handleWatchNewSession(data json.RawMessage) {
	var req wire.WatchNewSessionData
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectPath == "" {
		return
	}
	err := s.detector.Watch(req.ClientID, req.ProjectPath, func(sessionID string) {
		s.send(wire.EventDaemonSessionCreated, wire.NewSessionData{
			ClientID:    req.ClientID,
			SessionID:   sessionID,
			ProjectPath: req.ProjectPath,
		})
		s.pushSessionMetadata("", req.ProjectPath, initialSessionLimit)
	})
	if err != nil {
		log.Error().Err(err).Str("project", req.ProjectPath).Msg("new-session watch failed")
		return
	}
	s.send(wire.EventDaemonWatchStarted, req)
}

func (s *Service) handleFindNewSession(data json.RawMessage) {
	var req wire.WatchNewSessionData
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectPath == "" {
		return
	}
	latest, ok, err := s.store.LatestSession(req.ProjectPath, findSessionWindow)
	if err != nil || !ok {
		s.send(wire.EventDaemonSessionNotFound, wire.NewSessionData{
			ClientID:    req.ClientID,
			ProjectPath: req.ProjectPath,
		})
		return
	}
	s.send(wire.EventDaemonSessionFound, wire.NewSessionData{
		ClientID:    req.ClientID,
		SessionID:   latest.SessionID,
		ProjectPath: req.ProjectPath,
	})
}

func (s *Service) handleRequestMessages(data json.RawMessage) {
	var req wire.RequestMessagesData
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	order := transcript.OrderAsc
	if req.Order == "desc" {
		order = transcript.OrderDesc
	}
	page, err := s.store.ReadMessages(req.SessionID, req.ProjectPath, req.Limit, req.Offset, order)
	reply := wire.SessionMessagesPayload{
		RequestID: req.RequestID,
		SessionID: req.SessionID,
	}
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Messages = make([]json.RawMessage, len(page.Messages))
		for i, rec := range page.Messages {
			reply.Messages[i] = rec.Raw
		}
		reply.Total = page.Total
		reply.HasMore = page.HasMore
	}
	s.send(wire.EventDaemonSessionMessages, reply)
}

// handleResumeLocal tears down remote control of a session: the runner is
// stopped and the watcher delivers again.
func (s *Service) handleResumeLocal(sessionID string) {
	s.runnerMu.Lock()
	runner := s.runners[sessionID]
	delete(s.runners, sessionID)
	delete(s.lastSender, sessionID)
	s.runnerMu.Unlock()

	if runner != nil {
		runner.Close()
	}
	s.watcher.Resume(sessionID)
	log.Info().Str("session_id", sessionID).Msg("session resumed locally")
}

// DeliverMessage injects user text into a session on behalf of a mobile
// client, spawning the assistant runner on first use.
func (s *Service) DeliverMessage(ctx context.Context, sessionID, projectPath, text, clientID string) error {
	if _, err := s.store.SessionPath(sessionID, projectPath); err != nil {
		return err
	}

	s.runnerMu.Lock()
	s.lastSender[sessionID] = clientID
	runner, ok := s.runners[sessionID]
	if !ok {
		runner = NewRunner(s.cfg.AssistantBin, sessionID, projectPath)
		if err := runner.Start(s.ctx); err != nil {
			s.runnerMu.Unlock()
			return err
		}
		s.runners[sessionID] = runner
		go s.consumeRunner(runner, sessionID, projectPath)
	}
	s.runnerMu.Unlock()

	// The runner streams this turn itself; the watcher advancing silently
	// prevents the same records arriving twice.
	s.watcher.Pause(sessionID)
	return runner.SendUserMessage(text)
}

// CheckLoading reports whether the assistant is mid-turn for a session.
func (s *Service) CheckLoading(sessionID, projectPath string) (bool, error) {
	return s.store.IsLoading(sessionID, projectPath)
}

// createSessionTimeout bounds the wait for a fresh session's transcript.
const createSessionTimeout = 15 * time.Second

// CreateSession spawns the assistant without a resume target, feeds it the
// opening text, and reports the session ID once the transcript appears.
func (s *Service) CreateSession(ctx context.Context, projectPath, text string) (string, error) {
	watchID := "create-" + uuid.NewString()
	created := make(chan string, 1)
	err := s.detector.Watch(watchID, projectPath, func(sessionID string) {
		select {
		case created <- sessionID:
		default:
		}
	})
	if err != nil {
		return "", err
	}
	defer s.detector.Cancel(watchID)

	runner := NewRunner(s.cfg.AssistantBin, "", projectPath)
	if err := runner.Start(s.ctx); err != nil {
		return "", err
	}
	if err := runner.SendUserMessage(text); err != nil {
		runner.Close()
		return "", err
	}

	select {
	case sessionID := <-created:
		s.runnerMu.Lock()
		s.runners[sessionID] = runner
		s.runnerMu.Unlock()
		go s.consumeRunner(runner, sessionID, projectPath)
		s.pushSessionMetadata("", projectPath, initialSessionLimit)
		return sessionID, nil
	case <-ctx.Done():
		runner.Close()
		return "", ctx.Err()
	case <-time.After(createSessionTimeout):
		runner.Close()
		return "", fmt.Errorf("session transcript did not appear in %s", projectPath)
	}
}

// consumeRunner forwards runner output for one session: conversation
// records to the server, control requests into approval round-trips.
func (s *Service) consumeRunner(runner *Runner, sessionID, projectPath string) {
	for {
		select {
		case raw, ok := <-runner.Messages():
			if !ok {
				s.runnerGone(runner, sessionID)
				return
			}
			s.handleRunnerMessage(runner, sessionID, projectPath, raw)
		case err := <-runner.Errors():
			s.send(wire.EventDaemonSDKError, wire.SDKErrorData{
				SessionID: sessionID,
				Error:     err.Error(),
			})
			runner.Close()
			s.runnerGone(runner, sessionID)
			return
		}
	}
}

func (s *Service) runnerGone(runner *Runner, sessionID string) {
	s.runnerMu.Lock()
	if s.runners[sessionID] == runner {
		delete(s.runners, sessionID)
	}
	s.runnerMu.Unlock()
	s.watcher.Resume(sessionID)
}

func (s *Service) handleRunnerMessage(runner *Runner, sessionID, projectPath string, raw json.RawMessage) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	switch probe.Type {
	case "assistant", "user":
		s.send(wire.EventDaemonNewMessage, wire.NewMessageData{
			SessionID:   sessionID,
			ProjectPath: projectPath,
			Message:     raw,
			Timestamp:   time.Now().UnixMilli(),
		})

	case "control_request":
		go s.handleControlRequest(runner, sessionID, raw)

	case "result":
		// Turn complete: refresh metrics and hand the file back to the watcher
		if path, err := s.store.SessionPath(sessionID, projectPath); err == nil {
			if m, err := transcript.ComputeMetrics(path); err == nil {
				m.SessionID = sessionID
				s.send(wire.EventDaemonMetricsUpdate, m)
			}
		}
		s.watcher.Resume(sessionID)
	}
}

// handleControlRequest runs one tool-approval round-trip.
func (s *Service) handleControlRequest(runner *Runner, sessionID string, raw json.RawMessage) {
	var ctrl struct {
		RequestID string `json:"request_id"`
		Request   struct {
			Subtype   string          `json:"subtype"`
			ToolName  string          `json:"tool_name"`
			Input     json.RawMessage `json:"input"`
			ToolUseID string          `json:"tool_use_id"`
		} `json:"request"`
	}
	if err := json.Unmarshal(raw, &ctrl); err != nil || ctrl.Request.Subtype != "can_use_tool" {
		return
	}

	toolUseID := ctrl.Request.ToolUseID
	if toolUseID == "" {
		toolUseID = ctrl.RequestID
	}
	requestID := ApprovalRequestID(sessionID, toolUseID)

	s.runnerMu.Lock()
	clientID := s.lastSender[sessionID]
	s.runnerMu.Unlock()

	verdicts, remove := s.approvals.Add(requestID, sessionID)
	s.send(wire.EventDaemonApprovalRequest, wire.ApprovalRequestData{
		RequestID:   requestID,
		SessionID:   sessionID,
		ClientID:    clientID,
		ToolName:    ctrl.Request.ToolName,
		Input:       ctrl.Request.Input,
		ToolUseID:   toolUseID,
		Description: FormatToolDescription(ctrl.Request.ToolName, ctrl.Request.Input),
	})

	select {
	case verdict := <-verdicts:
		if err := runner.RespondControl(ctrl.RequestID, verdict.Approved, verdict.Reason); err != nil {
			log.Error().Err(err).Str("request_id", requestID).Msg("control response failed")
		}
	case <-time.After(s.cfg.ApprovalTimeout):
		remove()
		s.send(wire.EventDaemonApprovalTimeout, wire.ApprovalTimeoutData{
			RequestID: requestID,
			SessionID: sessionID,
		})
		if err := runner.RespondControl(ctrl.RequestID, false, "approval timed out"); err != nil {
			log.Error().Err(err).Str("request_id", requestID).Msg("timeout deny failed")
		}
	}
}

// Shutdown announces departure and stops all runners and watchers.
func (s *Service) Shutdown() {
	s.send(wire.EventDaemonOffline, nil)

	s.runnerMu.Lock()
	runners := make([]*Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*Runner)
	s.runnerMu.Unlock()
	for _, r := range runners {
		r.Close()
	}
}

// sessionFromRequestID recovers the session from "<uuid>-<toolUseId>".
func sessionFromRequestID(requestID string) string {
	const uuidLen = 36
	if len(requestID) > uuidLen && requestID[uuidLen] == '-' {
		return requestID[:uuidLen]
	}
	return ""
}
