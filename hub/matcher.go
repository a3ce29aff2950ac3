package hub

import "sync"

// Matcher confirms which session a freshly started CLI belongs to by
// intersecting two independent observations per project: UUIDs the CLI's
// launcher reports, and session files the daemon sees appear. Neither side
// alone is trustworthy; the first UUID present in both sets wins.
type Matcher struct {
	mu     sync.Mutex
	states map[string]*matchState // keyed by project path
}

type matchState struct {
	cliClientID string
	order       []string // CLI report order; ties break toward the earliest
	cli         map[string]bool
	daemon      map[string]bool
}

// NewMatcher creates an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{states: make(map[string]*matchState)}
}

// ReportUUID records a launcher-observed UUID. When the daemon has already
// seen a matching session file, the match is returned and the project's
// state is discarded so confirmation fires exactly once.
func (m *Matcher) ReportUUID(projectPath, id, cliClientID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.ensure(projectPath)
	st.cliClientID = cliClientID
	if !st.cli[id] {
		st.cli[id] = true
		st.order = append(st.order, id)
	}
	return m.tryMatch(projectPath, st)
}

// SessionCreated records a daemon-observed session file. Returns the
// confirmed session and the CLI client awaiting it, once per project.
func (m *Matcher) SessionCreated(projectPath, sessionID string) (string, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[projectPath]
	if !ok {
		return "", "", false
	}
	st.daemon[sessionID] = true
	matched, ok := m.tryMatch(projectPath, st)
	return matched, st.cliClientID, ok
}

// Expect primes matching for a project before any UUID arrives, binding the
// CLI client that will receive the confirmation.
func (m *Matcher) Expect(projectPath, cliClientID string) {
	m.mu.Lock()
	m.ensure(projectPath).cliClientID = cliClientID
	m.mu.Unlock()
}

// DropClient discards pending state owned by a disconnected CLI.
func (m *Matcher) DropClient(cliClientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path, st := range m.states {
		if st.cliClientID == cliClientID {
			delete(m.states, path)
		}
	}
}

func (m *Matcher) ensure(projectPath string) *matchState {
	st, ok := m.states[projectPath]
	if !ok {
		st = &matchState{
			cli:    make(map[string]bool),
			daemon: make(map[string]bool),
		}
		m.states[projectPath] = st
	}
	return st
}

// tryMatch must be called with the lock held.
func (m *Matcher) tryMatch(projectPath string, st *matchState) (string, bool) {
	for _, id := range st.order {
		if st.daemon[id] {
			delete(m.states, projectPath)
			return id, true
		}
	}
	return "", false
}
