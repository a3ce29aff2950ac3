// Package wire defines the WebSocket protocol shared by the server, the
// daemon, and the CLI wrapper: event names and their JSON payloads.
package wire

// Client → server events.
const (
	EventJoin              = "join"
	EventLeave             = "leave"
	EventSubscribe         = "session:subscribe"
	EventUnsubscribe       = "session:unsubscribe"
	EventMessageSend       = "message:send"
	EventReportUUID        = "cli:reportUUID"
	EventRequestExitRemote = "cli:requestExitRemote"
	EventResumeLocal       = "cli:resumeLocal"
	EventWatchNewSession   = "watch-new-session"
	EventFindNewSession    = "find-new-session"
	EventApprovalResponse  = "approval-response"
)

// Server → client events.
const (
	EventMessageNew        = "message:new"
	EventMessageError      = "message:error"
	EventProjectUpdated    = "project:updated"
	EventSessionUpdated    = "session:updated"
	EventMetricsUpdate     = "statusline:metricsUpdate"
	EventRemoteConnect     = "remote-connect"
	EventRemoteDisconnect  = "remote-disconnect"
	EventSessionConfirmed  = "server:sessionConfirmed"
	EventExitRemoteAllowed = "server:exitRemoteAllowed"
	EventExitRemoteDenied  = "server:exitRemoteDenied"
	EventNewSessionCreated = "new-session-created"
	EventNewSessionFound   = "new-session-found"
	EventNewSessionMissing = "new-session-not-found"
	EventWatchStarted      = "watch-started"
	EventApprovalRequest   = "approval-request"
	EventApprovalTimeout   = "approval-timeout"
	EventApprovalExpired   = "approval-expired"
	EventSDKError          = "sdk-error"
)

// Daemon → server events.
const (
	EventDaemonRegister          = "daemon:register"
	EventDaemonOnline            = "daemon:online"
	EventDaemonOffline           = "daemon:offline"
	EventDaemonProjectData       = "daemon:projectData"
	EventDaemonSessionMetadata   = "daemon:sessionMetadata"
	EventDaemonSessionMessages   = "daemon:sessionMessages"
	EventDaemonNewMessage        = "daemon:newMessage"
	EventDaemonMetricsUpdate     = "daemon:metricsUpdate"
	EventDaemonWatchStarted      = "daemon:watchStarted"
	EventDaemonSessionCreated    = "daemon:newSessionCreated"
	EventDaemonSessionFound      = "daemon:newSessionFound"
	EventDaemonSessionNotFound   = "daemon:newSessionNotFound"
	EventDaemonSessionDeleted    = "daemon:sessionDeleted"
	EventDaemonApprovalRequest   = "daemon:approvalRequest"
	EventDaemonApprovalTimeout   = "daemon:approvalTimeout"
	EventDaemonApprovalExpired   = "daemon:approvalExpired"
	EventDaemonSDKError          = "daemon:sdkError"
)

// Server → daemon events (over the daemon's inbound connection).
const (
	EventServerStartWatching   = "server:startWatching"
	EventServerStopWatching    = "server:stopWatching"
	EventServerWatchNewSession = "server:watchNewSession"
	EventServerFindNewSession  = "server:findNewSession"
	EventServerResumeLocal     = "server:resumeLocal"
	EventServerApprovalReply   = "server:approvalResponse"
	EventServerRequestMessages = "server:requestSessionMessages"
	EventServerRequestProjects = "server:requestProjectData"
	EventServerRequestSessions = "server:requestSessionMetadata"
)
