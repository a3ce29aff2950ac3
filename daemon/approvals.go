package daemon

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vlaude/vlaude/wire"
)

// approvalTable tracks tool-permission prompts waiting for a mobile
// verdict. Request IDs are "<sessionId>-<toolUseId>", so a late or replayed
// response can be told apart from an unknown one.
type approvalTable struct {
	mu      sync.Mutex
	pending map[string]*pendingApproval
}

type pendingApproval struct {
	sessionID string
	ch        chan wire.ApprovalResponseData
}

func newApprovalTable() *approvalTable {
	return &approvalTable{pending: make(map[string]*pendingApproval)}
}

// Add registers a pending request and returns its verdict channel plus a
// removal func. Adding the same ID twice replaces the earlier entry.
func (t *approvalTable) Add(requestID, sessionID string) (<-chan wire.ApprovalResponseData, func()) {
	p := &pendingApproval{
		sessionID: sessionID,
		ch:        make(chan wire.ApprovalResponseData, 1),
	}
	t.mu.Lock()
	t.pending[requestID] = p
	t.mu.Unlock()

	remove := func() {
		t.mu.Lock()
		if t.pending[requestID] == p {
			delete(t.pending, requestID)
		}
		t.mu.Unlock()
	}
	return p.ch, remove
}

// Resolve delivers a verdict. Returns false when nothing was waiting (the
// request timed out or was already answered).
func (t *approvalTable) Resolve(data wire.ApprovalResponseData) bool {
	t.mu.Lock()
	p, ok := t.pending[data.RequestID]
	if ok {
		delete(t.pending, data.RequestID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	p.ch <- data
	return true
}

// ApprovalRequestID builds the wire ID for one tool use.
func ApprovalRequestID(sessionID, toolUseID string) string {
	return sessionID + "-" + toolUseID
}

// FormatToolDescription renders a human-readable line for the approval
// prompt shown on the mobile client.
func FormatToolDescription(toolName string, input json.RawMessage) string {
	var fields struct {
		Command  string `json:"command"`
		FilePath string `json:"file_path"`
	}
	json.Unmarshal(input, &fields)

	switch toolName {
	case "Bash":
		if fields.Command != "" {
			return "Execute: " + fields.Command
		}
	case "Write":
		if fields.FilePath != "" {
			return "Write file: " + fields.FilePath
		}
	case "Edit":
		if fields.FilePath != "" {
			return "Edit file: " + fields.FilePath
		}
	case "Read":
		if fields.FilePath != "" {
			return "Read file: " + fields.FilePath
		}
	}
	return fmt.Sprintf("Call tool: %s", toolName)
}
