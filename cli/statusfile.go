package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

const (
	statusDirName    = ".vlaude"
	statusInterval   = 2 * time.Second
	switchSignalName = "session-switch.signal"
)

// sessionStatus is the JSON written for the out-of-process status-line.
type sessionStatus struct {
	SessionID     string `json:"sessionId"`
	Mode          string `json:"mode"`
	Connected     bool   `json:"connected"`
	InputTokens   int    `json:"inputTokens"`
	OutputTokens  int    `json:"outputTokens"`
	ContextLength int    `json:"contextLength"`
	UpdatedAt     int64  `json:"updatedAt"`
}

// StatusWriter maintains <project>/.vlaude/session-<sid>.status while the
// control socket is connected.
type StatusWriter struct {
	dir  string
	sock *Socket

	mu        sync.Mutex
	sessionID string
	mode      string
	metrics   wire.MetricsData
}

// NewStatusWriter creates a writer for one project directory.
func NewStatusWriter(projectPath string, sock *Socket) *StatusWriter {
	return &StatusWriter{
		dir:  filepath.Join(projectPath, statusDirName),
		sock: sock,
		mode: "local",
	}
}

// SetSession switches which status file is maintained; the previous
// session's file is removed.
func (w *StatusWriter) SetSession(sessionID string) {
	w.mu.Lock()
	previous := w.sessionID
	w.sessionID = sessionID
	w.mu.Unlock()
	if previous != "" && previous != sessionID {
		os.Remove(w.path(previous))
	}
	w.writeNow()
}

// SetMode records the current drive mode for the status line.
func (w *StatusWriter) SetMode(mode string) {
	w.mu.Lock()
	w.mode = mode
	w.mu.Unlock()
	w.writeNow()
}

// SetMetrics records the latest token metrics push.
func (w *StatusWriter) SetMetrics(m wire.MetricsData) {
	w.mu.Lock()
	w.metrics = m
	w.mu.Unlock()
}

// Run rewrites the status file every 2s; writing pauses while the socket
// is disconnected. The file is removed on exit.
func (w *StatusWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			sid := w.sessionID
			w.mu.Unlock()
			if sid != "" {
				os.Remove(w.path(sid))
			}
			return
		case <-ticker.C:
			if w.sock.Connected() {
				w.writeNow()
			}
		}
	}
}

func (w *StatusWriter) path(sessionID string) string {
	return filepath.Join(w.dir, "session-"+sessionID+".status")
}

func (w *StatusWriter) writeNow() {
	w.mu.Lock()
	status := sessionStatus{
		SessionID:     w.sessionID,
		Mode:          w.mode,
		Connected:     w.sock.Connected(),
		InputTokens:   w.metrics.InputTokens,
		OutputTokens:  w.metrics.OutputTokens,
		ContextLength: w.metrics.ContextLength,
		UpdatedAt:     time.Now().UnixMilli(),
	}
	w.mu.Unlock()
	if status.SessionID == "" {
		return
	}

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := os.WriteFile(w.path(status.SessionID), data, 0o644); err != nil {
		log.Debug().Err(err).Msg("status file write failed")
	}
}

// switchSignal is the status-line's session-switch payload.
type switchSignal struct {
	PreviousSessionID string `json:"previousSessionId"`
	CurrentSessionID  string `json:"currentSessionId"`
}

// WatchSessionSwitch watches for the status-line's session-switch signal:
// the assistant resumed a different session from inside the program. The
// signal file is consumed and deleted.
func WatchSessionSwitch(ctx context.Context, projectPath string, onSwitch func(newSessionID string)) error {
	dir := filepath.Join(projectPath, statusDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		signal := filepath.Join(dir, switchSignalName)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Name != signal || !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
					continue
				}
				data, err := os.ReadFile(signal)
				if err != nil {
					continue
				}
				os.Remove(signal)
				var sw switchSignal
				if err := json.Unmarshal(data, &sw); err != nil {
					// Bare session ID is accepted too
					sw.CurrentSessionID = strings.TrimSpace(string(data))
				}
				if sw.CurrentSessionID != "" {
					onSwitch(sw.CurrentSessionID)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Debug().Err(err).Msg("switch watcher error")
			}
		}
	}()
	return nil
}
