package hub

import "sync"

// Mode is who currently drives a session's assistant.
type Mode string

const (
	// ModeLocal: the CLI owns the session (default for unknown sessions).
	ModeLocal Mode = "local"
	// ModeRemote: a mobile client drives; the local CLI is parked.
	ModeRemote Mode = "remote"
	// ModeTransitioning: exit from remote granted, CLI not reattached yet.
	ModeTransitioning Mode = "transitioning"
)

// Arbiter tracks the control mode of every session. At most one mode per
// session at any time; all transitions are idempotent.
type Arbiter struct {
	mu    sync.Mutex
	modes map[string]Mode
}

// NewArbiter creates an Arbiter with every session implicitly LOCAL.
func NewArbiter() *Arbiter {
	return &Arbiter{modes: make(map[string]Mode)}
}

// Mode returns the current mode for a session.
func (a *Arbiter) Mode(sessionID string) Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	if mode, ok := a.modes[sessionID]; ok {
		return mode
	}
	return ModeLocal
}

// EnterRemote moves a session to REMOTE. Returns false when it already was.
func (a *Arbiter) EnterRemote(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.modes[sessionID] == ModeRemote {
		return false
	}
	a.modes[sessionID] = ModeRemote
	return true
}

// ExitRemote returns a session to LOCAL from any state. Returns false when
// it was already LOCAL.
func (a *Arbiter) ExitRemote(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.modes[sessionID]; !ok {
		return false
	}
	delete(a.modes, sessionID)
	return true
}

// BeginTransition marks an approved exit from REMOTE. Only valid from
// REMOTE; repeated calls while transitioning return false.
func (a *Arbiter) BeginTransition(sessionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.modes[sessionID] != ModeRemote {
		return false
	}
	a.modes[sessionID] = ModeTransitioning
	return true
}

// CompleteTransition finishes a handback: the session becomes LOCAL.
func (a *Arbiter) CompleteTransition(sessionID string) {
	a.mu.Lock()
	delete(a.modes, sessionID)
	a.mu.Unlock()
}
