// Package hub is the server's coordination core: it tracks connected
// clients, routes transcript traffic to subscribers, arbitrates who drives
// each session, confirms new sessions, and bridges tool approvals between
// the daemon and mobile clients.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

// gatewayTimeout bounds server→daemon calls made on behalf of a client.
const gatewayTimeout = 10 * time.Second

// contextWindow is the assistant's context size used for the status-line
// percentage.
const contextWindow = 200_000

// DaemonGateway is how the hub reaches the daemon. Message delivery and
// loading probes go over HTTP; everything else rides the daemon's own
// WebSocket connection.
type DaemonGateway interface {
	SendMessage(ctx context.Context, sessionID, projectPath, text, clientID string) error
	CheckLoading(ctx context.Context, sessionID, projectPath string) (bool, error)
	StartWatching(sessionID, projectPath string) error
	StopWatching(sessionID string) error
	WatchNewSession(clientID, projectPath string) error
	FindNewSession(clientID, projectPath string) error
	ResumeLocal(sessionID string) error
	ApprovalResponse(data wire.ApprovalResponseData) error
}

// occupancy tracks who is attached to one session.
type occupancy struct {
	cli     *Client
	mobiles map[string]*Client
}

// subscription is the fan-out set for one session's transcript.
type subscription struct {
	projectPath string
	members     map[string]*Client
}

// Hub owns all connected clients and per-session coordination state.
type Hub struct {
	mu        sync.Mutex
	clients   map[string]*Client
	occupants map[string]*occupancy
	subs      map[string]*subscription
	daemon    *Client

	matcher *Matcher
	arbiter *Arbiter
	metrics *Metrics
	gateway DaemonGateway

	// Server-side hooks for daemon data pushes (cache + request correlation).
	OnDaemonRegistered func(wire.RegisterData)
	OnDaemonGone       func()
	OnProjectData      func(wire.ProjectDataPayload)
	OnSessionMetadata  func(wire.SessionMetadataPayload)
	OnSessionMessages  func(wire.SessionMessagesPayload)
	OnSessionDeleted   func(sessionID, projectPath string)
}

// New creates a Hub with the given metrics sink.
func New(metrics *Metrics) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		occupants: make(map[string]*occupancy),
		subs:      make(map[string]*subscription),
		matcher:   NewMatcher(),
		arbiter:   NewArbiter(),
		metrics:   metrics,
	}
}

// SetGateway wires the daemon gateway after construction.
func (h *Hub) SetGateway(g DaemonGateway) { h.gateway = g }

// Arbiter exposes mode state to the REST layer.
func (h *Hub) Arbiter() *Arbiter { return h.arbiter }

// DaemonConnected reports whether a daemon is currently registered.
func (h *Hub) DaemonConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.daemon != nil
}

// SendToDaemon delivers one event to the registered daemon.
func (h *Hub) SendToDaemon(event string, payload any) bool {
	h.mu.Lock()
	daemon := h.daemon
	h.mu.Unlock()
	if daemon == nil {
		return false
	}
	daemon.Send(event, payload)
	return true
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectedClients.WithLabelValues(string(c.Type)).Inc()
	}
	log.Debug().Str("client_id", c.ID).Msg("client connected")
}

// Disconnect tears down a client's registrations and notifies whoever the
// departure affects.
func (h *Hub) Disconnect(c *Client) {
	c.close()

	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	wasDaemon := h.daemon == c
	if wasDaemon {
		h.daemon = nil
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectedClients.WithLabelValues(string(c.Type)).Dec()
	}

	// Walk every session this client touched
	h.mu.Lock()
	var unsubscribed []string
	for sessionID, sub := range h.subs {
		if _, ok := sub.members[c.ID]; ok {
			delete(sub.members, c.ID)
			if len(sub.members) == 0 {
				delete(h.subs, sessionID)
			}
			unsubscribed = append(unsubscribed, sessionID)
		}
	}
	var mobileLeft []*occupancy
	var mobileLeftIDs []string
	for sessionID, occ := range h.occupants {
		if occ.cli == c {
			occ.cli = nil
		}
		if _, ok := occ.mobiles[c.ID]; ok {
			delete(occ.mobiles, c.ID)
			if len(occ.mobiles) == 0 {
				mobileLeft = append(mobileLeft, occ)
				mobileLeftIDs = append(mobileLeftIDs, sessionID)
			}
		}
		if occ.cli == nil && len(occ.mobiles) == 0 {
			delete(h.occupants, sessionID)
		}
	}
	h.mu.Unlock()

	for _, sessionID := range unsubscribed {
		if h.metrics != nil {
			h.metrics.Subscriptions.Dec()
		}
		h.releaseWatcher(sessionID)
	}
	for i, occ := range mobileLeft {
		h.lastMobileGone(mobileLeftIDs[i], occ)
	}

	h.matcher.DropClient(c.ID)

	if wasDaemon {
		log.Warn().Msg("daemon disconnected")
		if h.OnDaemonGone != nil {
			h.OnDaemonGone()
		}
	}
	log.Debug().Str("client_id", c.ID).Str("type", string(c.Type)).Msg("client disconnected")
}

// HandleFrame dispatches one inbound frame from a client connection.
func (h *Hub) HandleFrame(c *Client, frame wire.Frame) {
	switch frame.Event {
	case wire.EventJoin:
		h.handleJoin(c, frame.Data)
	case wire.EventLeave:
		h.Disconnect(c)
	case wire.EventSubscribe:
		h.handleSubscribe(c, frame.Data)
	case wire.EventUnsubscribe:
		h.handleUnsubscribe(c, frame.Data)
	case wire.EventMessageSend:
		h.handleMessageSend(c, frame.Data)
	case wire.EventReportUUID:
		h.handleReportUUID(c, frame.Data)
	case wire.EventRequestExitRemote:
		h.handleRequestExitRemote(c, frame.Data)
	case wire.EventResumeLocal:
		h.handleResumeLocal(c, frame.Data)
	case wire.EventWatchNewSession:
		h.handleWatchNewSession(c, frame.Data)
	case wire.EventFindNewSession:
		h.handleFindNewSession(c, frame.Data)
	case wire.EventApprovalResponse:
		h.handleApprovalResponse(c, frame.Data)

	case wire.EventDaemonRegister:
		h.handleDaemonRegister(c, frame.Data)
	default:
		if c.Type == wire.ClientDaemon {
			h.handleDaemonFrame(c, frame)
			return
		}
		log.Warn().Str("event", frame.Event).Str("client_id", c.ID).Msg("unknown event")
	}
}

func (h *Hub) handleJoin(c *Client, data json.RawMessage) {
	var join wire.JoinData
	if err := json.Unmarshal(data, &join); err != nil {
		log.Warn().Err(err).Msg("bad join payload")
		return
	}
	if join.ClientType != "" && join.ClientType != c.Type {
		// The connected-clients gauge was incremented under the pre-join
		// type; move the count so the disconnect decrement balances
		if h.metrics != nil {
			h.metrics.ConnectedClients.WithLabelValues(string(c.Type)).Dec()
			h.metrics.ConnectedClients.WithLabelValues(string(join.ClientType)).Inc()
		}
		c.Type = join.ClientType
	}
	previous := c.SessionID
	c.SessionID = join.SessionID
	c.ProjectPath = join.ProjectPath

	switch c.Type {
	case wire.ClientCLI:
		// A re-join under a new session (internal resume) vacates the old slot
		if previous != "" && previous != join.SessionID {
			h.detachCLI(c, previous)
		}
		if join.SessionID != "" {
			h.attachCLI(c, join.SessionID)
		}
	case wire.ClientMobile:
		// Occupancy is claimed at join time: the CLI must be parked before
		// any message this mobile sends can reach the assistant
		if join.SessionID != "" {
			h.mobileArrived(c, join.SessionID)
		}
	}
	log.Info().
		Str("client_id", c.ID).
		Str("type", string(c.Type)).
		Str("session_id", join.SessionID).
		Msg("client joined")
}

// attachCLI claims the session's single CLI slot, displacing a stale holder.
func (h *Hub) attachCLI(c *Client, sessionID string) {
	h.mu.Lock()
	occ := h.ensureOccupancy(sessionID)
	if occ.cli != nil && occ.cli != c {
		log.Warn().
			Str("session_id", sessionID).
			Str("old", occ.cli.ID).
			Str("new", c.ID).
			Msg("replacing CLI occupant")
	}
	occ.cli = c
	remote := len(occ.mobiles) > 0
	h.mu.Unlock()

	// A CLI attaching to a session already driven remotely is told so at once
	if remote {
		h.arbiter.EnterRemote(sessionID)
		c.Send(wire.EventRemoteConnect, wire.RemoteModeData{SessionID: sessionID})
	}
}

// detachCLI releases a session's CLI slot if this client still holds it.
// Mobile subscribers of the old session are unaffected.
func (h *Hub) detachCLI(c *Client, sessionID string) {
	h.mu.Lock()
	if occ, ok := h.occupants[sessionID]; ok && occ.cli == c {
		occ.cli = nil
		if len(occ.mobiles) == 0 {
			delete(h.occupants, sessionID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handleSubscribe(c *Client, data json.RawMessage) {
	var sub wire.SubscribeData
	if err := json.Unmarshal(data, &sub); err != nil || sub.SessionID == "" {
		log.Warn().Err(err).Msg("bad subscribe payload")
		return
	}

	h.mu.Lock()
	s, ok := h.subs[sub.SessionID]
	if !ok {
		s = &subscription{projectPath: sub.ProjectPath, members: make(map[string]*Client)}
		h.subs[sub.SessionID] = s
	}
	_, already := s.members[c.ID]
	s.members[c.ID] = c
	first := len(s.members) == 1
	h.mu.Unlock()

	if already {
		return // idempotent
	}
	if h.metrics != nil {
		h.metrics.Subscriptions.Inc()
	}
	if first && h.gateway != nil {
		if err := h.gateway.StartWatching(sub.SessionID, sub.ProjectPath); err != nil {
			log.Error().Err(err).Str("session_id", sub.SessionID).Msg("start watching failed")
		}
	}

	if c.Type == wire.ClientMobile {
		h.mobileArrived(c, sub.SessionID)
	}
}

// mobileArrived moves the session to REMOTE and tells the CLI, if present.
// The notice is re-sent for every mobile arrival so a rejoin after a flaky
// link still parks the CLI.
func (h *Hub) mobileArrived(c *Client, sessionID string) {
	h.mu.Lock()
	occ := h.ensureOccupancy(sessionID)
	occ.mobiles[c.ID] = c
	cli := occ.cli
	h.mu.Unlock()

	h.arbiter.EnterRemote(sessionID)
	if cli != nil {
		cli.Send(wire.EventRemoteConnect, wire.RemoteModeData{SessionID: sessionID})
	}
}

func (h *Hub) handleUnsubscribe(c *Client, data json.RawMessage) {
	var sub wire.SubscribeData
	if err := json.Unmarshal(data, &sub); err != nil || sub.SessionID == "" {
		return
	}

	h.mu.Lock()
	s, ok := h.subs[sub.SessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := s.members[c.ID]; !member {
		h.mu.Unlock()
		return // idempotent
	}
	delete(s.members, c.ID)
	if len(s.members) == 0 {
		delete(h.subs, sub.SessionID)
	}

	var gone *occupancy
	if occ, ok := h.occupants[sub.SessionID]; ok {
		if _, was := occ.mobiles[c.ID]; was {
			delete(occ.mobiles, c.ID)
			if len(occ.mobiles) == 0 {
				gone = occ
			}
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscriptions.Dec()
	}
	h.releaseWatcher(sub.SessionID)
	if gone != nil {
		h.lastMobileGone(sub.SessionID, gone)
	}
}

func (h *Hub) releaseWatcher(sessionID string) {
	h.mu.Lock()
	_, stillSubscribed := h.subs[sessionID]
	h.mu.Unlock()
	if !stillSubscribed && h.gateway != nil {
		if err := h.gateway.StopWatching(sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("stop watching failed")
		}
	}
}

// lastMobileGone returns a session to LOCAL and unparks its CLI.
func (h *Hub) lastMobileGone(sessionID string, occ *occupancy) {
	if !h.arbiter.ExitRemote(sessionID) {
		return
	}
	h.mu.Lock()
	cli := occ.cli
	h.mu.Unlock()
	if cli != nil {
		cli.Send(wire.EventRemoteDisconnect, wire.RemoteModeData{SessionID: sessionID})
	}
	if h.gateway != nil {
		if err := h.gateway.ResumeLocal(sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("resume local failed")
		}
	}
}

func (h *Hub) handleMessageSend(c *Client, data json.RawMessage) {
	var msg wire.MessageSendData
	if err := json.Unmarshal(data, &msg); err != nil || msg.SessionID == "" {
		log.Warn().Err(err).Msg("bad message:send payload")
		return
	}
	if !h.isParticipant(c, msg.SessionID) {
		c.Send(wire.EventMessageError, wire.ErrorData{
			Success: false,
			Message: "join the session first",
		})
		return
	}
	if h.gateway == nil {
		c.Send(wire.EventSDKError, wire.SDKErrorData{SessionID: msg.SessionID, Error: "daemon unavailable"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), gatewayTimeout)
		defer cancel()
		if err := h.gateway.SendMessage(ctx, msg.SessionID, msg.ProjectPath, msg.Text, c.ID); err != nil {
			log.Error().Err(err).Str("session_id", msg.SessionID).Msg("message delivery failed")
			c.Send(wire.EventSDKError, wire.SDKErrorData{SessionID: msg.SessionID, Error: err.Error()})
		}
	}()
}

// isParticipant reports whether the client joined or subscribed to the
// session. Sends from strangers are protocol violations, not state changes.
func (h *Hub) isParticipant(c *Client, sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if occ, ok := h.occupants[sessionID]; ok {
		if occ.cli == c {
			return true
		}
		if _, ok := occ.mobiles[c.ID]; ok {
			return true
		}
	}
	if sub, ok := h.subs[sessionID]; ok {
		if _, ok := sub.members[c.ID]; ok {
			return true
		}
	}
	return false
}

func (h *Hub) handleReportUUID(c *Client, data json.RawMessage) {
	var report wire.ReportUUIDData
	if err := json.Unmarshal(data, &report); err != nil || report.UUID == "" {
		return
	}
	if sessionID, ok := h.matcher.ReportUUID(report.ProjectPath, report.UUID, c.ID); ok {
		h.confirmSession(c, sessionID, report.ProjectPath)
	}
}

// confirmSession tells a CLI which of its candidate UUIDs is the live
// session and claims the CLI slot for it.
func (h *Hub) confirmSession(cli *Client, sessionID, projectPath string) {
	cli.SessionID = sessionID
	h.attachCLI(cli, sessionID)
	cli.Send(wire.EventSessionConfirmed, wire.SessionConfirmedData{
		SessionID:   sessionID,
		ProjectPath: projectPath,
	})
	log.Info().Str("session_id", sessionID).Str("client_id", cli.ID).Msg("session confirmed")
}

func (h *Hub) handleRequestExitRemote(c *Client, data json.RawMessage) {
	var req wire.ExitRemoteData
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		return
	}
	if h.gateway == nil {
		c.Send(wire.EventExitRemoteDenied, wire.ExitRemoteDecision{
			SessionID: req.SessionID, Reason: "daemon unavailable",
		})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), gatewayTimeout)
		defer cancel()
		loading, err := h.gateway.CheckLoading(ctx, req.SessionID, req.ProjectPath)
		if err != nil {
			c.Send(wire.EventExitRemoteDenied, wire.ExitRemoteDecision{
				SessionID: req.SessionID, Reason: "loading check failed: " + err.Error(),
			})
			return
		}
		if loading {
			c.Send(wire.EventExitRemoteDenied, wire.ExitRemoteDecision{
				SessionID: req.SessionID, Reason: "assistant is still responding",
			})
			return
		}
		h.arbiter.BeginTransition(req.SessionID)
		c.Send(wire.EventExitRemoteAllowed, wire.ExitRemoteDecision{SessionID: req.SessionID})
	}()
}

func (h *Hub) handleResumeLocal(c *Client, data json.RawMessage) {
	var req wire.ResumeLocalData
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		return
	}
	h.arbiter.CompleteTransition(req.SessionID)
	h.attachCLI(c, req.SessionID)
	if h.gateway != nil {
		if err := h.gateway.ResumeLocal(req.SessionID); err != nil {
			log.Warn().Err(err).Str("session_id", req.SessionID).Msg("resume local failed")
		}
	}
}

func (h *Hub) handleWatchNewSession(c *Client, data json.RawMessage) {
	var req wire.WatchNewSessionData
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectPath == "" {
		return
	}
	h.matcher.Expect(req.ProjectPath, c.ID)
	if h.gateway != nil {
		if err := h.gateway.WatchNewSession(c.ID, req.ProjectPath); err != nil {
			log.Error().Err(err).Str("project", req.ProjectPath).Msg("watch new session failed")
		}
	}
}

func (h *Hub) handleFindNewSession(c *Client, data json.RawMessage) {
	var req wire.WatchNewSessionData
	if err := json.Unmarshal(data, &req); err != nil || req.ProjectPath == "" {
		return
	}
	if h.gateway != nil {
		if err := h.gateway.FindNewSession(c.ID, req.ProjectPath); err != nil {
			log.Error().Err(err).Str("project", req.ProjectPath).Msg("find new session failed")
		}
	}
}

func (h *Hub) handleApprovalResponse(c *Client, data json.RawMessage) {
	var resp wire.ApprovalResponseData
	if err := json.Unmarshal(data, &resp); err != nil || resp.RequestID == "" {
		return
	}
	if h.metrics != nil {
		outcome := "denied"
		if resp.Approved {
			outcome = "approved"
		}
		h.metrics.Approvals.WithLabelValues(outcome).Inc()
	}
	if h.gateway != nil {
		if err := h.gateway.ApprovalResponse(resp); err != nil {
			log.Error().Err(err).Str("request_id", resp.RequestID).Msg("approval response relay failed")
		}
	}
}

func (h *Hub) handleDaemonRegister(c *Client, data json.RawMessage) {
	var reg wire.RegisterData
	if err := json.Unmarshal(data, &reg); err != nil {
		log.Warn().Err(err).Msg("bad daemon register payload")
		return
	}

	h.mu.Lock()
	if h.daemon != nil && h.daemon != c {
		log.Warn().Str("old", h.daemon.ID).Str("new", c.ID).Msg("replacing registered daemon")
	}
	c.Type = wire.ClientDaemon
	h.daemon = c
	h.mu.Unlock()

	log.Info().
		Str("hostname", reg.Hostname).
		Str("platform", reg.Platform).
		Str("version", reg.Version).
		Msg("daemon registered")
	if h.OnDaemonRegistered != nil {
		h.OnDaemonRegistered(reg)
	}
}

// handleDaemonFrame routes events pushed by the registered daemon.
func (h *Hub) handleDaemonFrame(c *Client, frame wire.Frame) {
	switch frame.Event {
	case wire.EventDaemonOnline, wire.EventDaemonOffline:
		log.Info().Str("event", frame.Event).Msg("daemon lifecycle")

	case wire.EventDaemonNewMessage:
		var msg wire.NewMessageData
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			return
		}
		h.fanOut(msg.SessionID, wire.EventMessageNew, msg)

	case wire.EventDaemonMetricsUpdate:
		var m wire.MetricsData
		if err := json.Unmarshal(frame.Data, &m); err != nil {
			return
		}
		m.Connected = true // the push itself proves the daemon link
		m.Mode = string(h.arbiter.Mode(m.SessionID))
		if m.ContextLength > 0 {
			m.ContextPercentage = float64(m.ContextLength) / contextWindow * 100
		}
		m.Timestamp = time.Now().UnixMilli()
		h.fanOutQuiet(m.SessionID, wire.EventMetricsUpdate, m)

	case wire.EventDaemonProjectData:
		var p wire.ProjectDataPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		if h.OnProjectData != nil {
			h.OnProjectData(p)
		}
		h.broadcastMobiles(wire.EventProjectUpdated, p)

	case wire.EventDaemonSessionMetadata:
		var s wire.SessionMetadataPayload
		if err := json.Unmarshal(frame.Data, &s); err != nil {
			return
		}
		if h.OnSessionMetadata != nil {
			h.OnSessionMetadata(s)
		}
		h.broadcastMobiles(wire.EventSessionUpdated, s)

	case wire.EventDaemonSessionMessages:
		var p wire.SessionMessagesPayload
		if err := json.Unmarshal(frame.Data, &p); err != nil {
			return
		}
		if h.OnSessionMessages != nil {
			h.OnSessionMessages(p)
		}

	case wire.EventDaemonWatchStarted:
		var w wire.WatchNewSessionData
		if err := json.Unmarshal(frame.Data, &w); err != nil {
			return
		}
		h.sendTo(w.ClientID, wire.EventWatchStarted, w)

	case wire.EventDaemonSessionCreated:
		h.handleDaemonSessionCreated(frame.Data)

	case wire.EventDaemonSessionFound:
		var n wire.NewSessionData
		if err := json.Unmarshal(frame.Data, &n); err != nil {
			return
		}
		h.sendTo(n.ClientID, wire.EventNewSessionFound, n)

	case wire.EventDaemonSessionNotFound:
		var n wire.NewSessionData
		if err := json.Unmarshal(frame.Data, &n); err != nil {
			return
		}
		h.sendTo(n.ClientID, wire.EventNewSessionMissing, n)

	case wire.EventDaemonSessionDeleted:
		h.handleDaemonSessionDeleted(frame.Data)

	case wire.EventDaemonApprovalRequest:
		h.handleDaemonApprovalRequest(frame.Data)

	case wire.EventDaemonApprovalTimeout:
		var t wire.ApprovalTimeoutData
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return
		}
		if h.metrics != nil {
			h.metrics.Approvals.WithLabelValues("timeout").Inc()
		}
		h.fanOutMobile(t.SessionID, wire.EventApprovalTimeout, t)

	case wire.EventDaemonApprovalExpired:
		var t wire.ApprovalTimeoutData
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return
		}
		if h.metrics != nil {
			h.metrics.Approvals.WithLabelValues("expired").Inc()
		}
		h.fanOutMobile(t.SessionID, wire.EventApprovalExpired, t)

	case wire.EventDaemonSDKError:
		var e wire.SDKErrorData
		if err := json.Unmarshal(frame.Data, &e); err != nil {
			return
		}
		h.fanOutMobile(e.SessionID, wire.EventSDKError, e)

	default:
		log.Warn().Str("event", frame.Event).Msg("unknown daemon event")
	}
}

func (h *Hub) handleDaemonSessionCreated(data json.RawMessage) {
	var n wire.NewSessionData
	if err := json.Unmarshal(data, &n); err != nil || n.SessionID == "" {
		return
	}
	h.sendTo(n.ClientID, wire.EventNewSessionCreated, n)

	if sessionID, cliClientID, ok := h.matcher.SessionCreated(n.ProjectPath, n.SessionID); ok {
		h.mu.Lock()
		cli := h.clients[cliClientID]
		h.mu.Unlock()
		if cli != nil {
			h.confirmSession(cli, sessionID, n.ProjectPath)
		}
	}
}

func (h *Hub) handleDaemonSessionDeleted(data json.RawMessage) {
	var info wire.SessionInfo
	if err := json.Unmarshal(data, &info); err != nil || info.SessionID == "" {
		return
	}
	info.Deleted = true

	h.mu.Lock()
	delete(h.subs, info.SessionID)
	delete(h.occupants, info.SessionID)
	h.mu.Unlock()
	h.arbiter.ExitRemote(info.SessionID)

	if h.OnSessionDeleted != nil {
		h.OnSessionDeleted(info.SessionID, info.ProjectPath)
	}
	h.broadcastMobiles(wire.EventSessionUpdated, wire.SessionMetadataPayload{
		ProjectPath: info.ProjectPath,
		Sessions:    []wire.SessionInfo{info},
	})
}

// handleDaemonApprovalRequest routes a tool prompt to the mobile client that
// asked for the work, falling back to every mobile subscriber of the session
// when that client is gone.
func (h *Hub) handleDaemonApprovalRequest(data json.RawMessage) {
	var req wire.ApprovalRequestData
	if err := json.Unmarshal(data, &req); err != nil || req.RequestID == "" {
		return
	}
	if h.metrics != nil {
		h.metrics.Approvals.WithLabelValues("requested").Inc()
	}

	h.mu.Lock()
	target := h.clients[req.ClientID]
	h.mu.Unlock()

	if target != nil && target.Type == wire.ClientMobile {
		target.Send(wire.EventApprovalRequest, req)
		return
	}
	h.fanOutMobile(req.SessionID, wire.EventApprovalRequest, req)
}

// fanOut delivers an event to every subscriber of a session.
func (h *Hub) fanOut(sessionID, event string, payload any) {
	for _, c := range h.subscribers(sessionID) {
		c.Send(event, payload)
		if h.metrics != nil {
			h.metrics.MessagesFanned.Inc()
		}
	}
}

// fanOutQuiet is fanOut without the fan-out counter (metrics pushes would
// drown the message counter).
func (h *Hub) fanOutQuiet(sessionID, event string, payload any) {
	for _, c := range h.subscribers(sessionID) {
		c.Send(event, payload)
	}
}

// fanOutMobile delivers only to mobile subscribers of a session.
func (h *Hub) fanOutMobile(sessionID, event string, payload any) {
	for _, c := range h.subscribers(sessionID) {
		if c.Type == wire.ClientMobile {
			c.Send(event, payload)
		}
	}
}

func (h *Hub) subscribers(sessionID string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[sessionID]
	if !ok {
		return nil
	}
	out := make([]*Client, 0, len(sub.members))
	for _, c := range sub.members {
		out = append(out, c)
	}
	return out
}

func (h *Hub) broadcastMobiles(event string, payload any) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if c.Type == wire.ClientMobile {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()
	for _, c := range targets {
		c.Send(event, payload)
	}
}

func (h *Hub) sendTo(clientID, event string, payload any) {
	if clientID == "" {
		return
	}
	h.mu.Lock()
	c := h.clients[clientID]
	h.mu.Unlock()
	if c != nil {
		c.Send(event, payload)
	}
}

// ensureOccupancy must be called with the lock held.
func (h *Hub) ensureOccupancy(sessionID string) *occupancy {
	occ, ok := h.occupants[sessionID]
	if !ok {
		occ = &occupancy{mobiles: make(map[string]*Client)}
		h.occupants[sessionID] = occ
	}
	return occ
}
