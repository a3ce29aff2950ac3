package wire

import "encoding/json"

// Frame is the envelope for every event on a vlaude socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame ready for writing.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: data}, nil
}

// Encode marshals a complete frame to its wire form.
func Encode(event string, payload any) ([]byte, error) {
	frame, err := NewFrame(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// ClientType identifies what kind of process is behind a connection.
type ClientType string

const (
	ClientCLI    ClientType = "cli"
	ClientMobile ClientType = "mobile"
	ClientDaemon ClientType = "daemon"
)

// JoinData announces a client to the hub.
type JoinData struct {
	ClientType  ClientType `json:"clientType"`
	SessionID   string     `json:"sessionId,omitempty"`
	ProjectPath string     `json:"projectPath,omitempty"`
}

// SubscribeData adds or removes the sender from a session's subscriber set.
type SubscribeData struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
}

// MessageSendData carries user input from a mobile client to the assistant.
type MessageSendData struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
	Text        string `json:"text"`
}

// ReportUUIDData carries one candidate session UUID observed by the CLI.
type ReportUUIDData struct {
	UUID        string `json:"uuid"`
	ProjectPath string `json:"projectPath"`
}

// ExitRemoteData asks the server to end REMOTE mode for a session.
type ExitRemoteData struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
}

// ExitRemoteDecision is the server's answer to cli:requestExitRemote.
type ExitRemoteDecision struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ResumeLocalData tells the daemon the CLI has reattached to a session.
type ResumeLocalData struct {
	SessionID string `json:"sessionId"`
}

// WatchNewSessionData asks the daemon to watch a project directory for a
// session file that does not exist yet.
type WatchNewSessionData struct {
	ClientID    string `json:"clientId,omitempty"`
	ProjectPath string `json:"projectPath"`
}

// NewSessionData reports a created or found session back to the requester.
type NewSessionData struct {
	ClientID    string `json:"clientId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	ProjectPath string `json:"projectPath"`
}

// SessionConfirmedData tells the CLI which of its reported UUIDs is live.
type SessionConfirmedData struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
}

// RegisterData identifies a daemon to the server.
type RegisterData struct {
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

// ProjectInfo is one project directory in the transcript store.
type ProjectInfo struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	EncodedName  string `json:"encodedName"`
	LastActive   int64  `json:"lastActive"`
	SessionCount int    `json:"sessionCount"`
}

// SessionInfo is per-session metadata derived from a transcript file.
type SessionInfo struct {
	SessionID    string `json:"sessionId"`
	ProjectPath  string `json:"projectPath"`
	CreatedAt    int64  `json:"createdAt"`
	LastUpdated  int64  `json:"lastUpdated"`
	MessageCount int    `json:"messageCount"`
	Deleted      bool   `json:"deleted,omitempty"`
}

// ProjectDataPayload is the daemon's project push (initial or on change).
type ProjectDataPayload struct {
	RequestID string        `json:"requestId,omitempty"`
	Projects  []ProjectInfo `json:"projects"`
}

// SessionMetadataPayload is the daemon's session push for one project.
type SessionMetadataPayload struct {
	RequestID   string        `json:"requestId,omitempty"`
	ProjectPath string        `json:"projectPath"`
	Sessions    []SessionInfo `json:"sessions"`
}

// RequestMessagesData asks the daemon for a page of transcript records.
type RequestMessagesData struct {
	RequestID   string `json:"requestId"`
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
	Limit       int    `json:"limit,omitempty"`
	Offset      int    `json:"offset,omitempty"`
	Order       string `json:"order,omitempty"`
}

// SessionMessagesPayload answers RequestMessagesData.
type SessionMessagesPayload struct {
	RequestID string            `json:"requestId"`
	SessionID string            `json:"sessionId"`
	Messages  []json.RawMessage `json:"messages"`
	Total     int               `json:"total"`
	HasMore   bool              `json:"hasMore"`
	Error     string            `json:"error,omitempty"`
}

// RequestDataData asks the daemon to re-push projects or session metadata.
type RequestDataData struct {
	RequestID   string `json:"requestId"`
	ProjectPath string `json:"projectPath,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// NewMessageData is one transcript record delivered live.
type NewMessageData struct {
	SessionID   string          `json:"sessionId"`
	ProjectPath string          `json:"projectPath"`
	Message     json.RawMessage `json:"message"`
	Timestamp   int64           `json:"timestamp"`
}

// MetricsData is derived token usage for a session. The daemon fills the
// token fields; the server stamps connection state, mode, percentage, and
// timestamp before fanning out.
type MetricsData struct {
	SessionID         string  `json:"sessionId"`
	Connected         bool    `json:"connected"`
	Mode              string  `json:"mode"`
	InputTokens       int     `json:"inputTokens"`
	OutputTokens      int     `json:"outputTokens"`
	ContextLength     int     `json:"contextLength"`
	ContextPercentage float64 `json:"contextPercentage"`
	Timestamp         int64   `json:"timestamp"`
}

// ErrorData is the negative acknowledgement for a protocol violation.
type ErrorData struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// WatchData identifies a session whose transcript should be watched.
type WatchData struct {
	SessionID   string `json:"sessionId"`
	ProjectPath string `json:"projectPath"`
}

// ApprovalRequestData is a tool-permission prompt relayed to a mobile client.
type ApprovalRequestData struct {
	RequestID   string          `json:"requestId"`
	SessionID   string          `json:"sessionId"`
	ClientID    string          `json:"clientId,omitempty"`
	ToolName    string          `json:"toolName"`
	Input       json.RawMessage `json:"input"`
	ToolUseID   string          `json:"toolUseId"`
	Description string          `json:"description"`
}

// ApprovalResponseData is the mobile client's verdict.
type ApprovalResponseData struct {
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Reason    string `json:"reason,omitempty"`
}

// ApprovalTimeoutData reports an unanswered approval request.
type ApprovalTimeoutData struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId"`
}

// SDKErrorData reports an assistant subprocess failure.
type SDKErrorData struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// RemoteModeData announces a mode transition to the CLI side.
type RemoteModeData struct {
	SessionID string `json:"sessionId"`
}
