package transcript

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

// debounceDelay coalesces bursts of writes into one read.
const debounceDelay = 100 * time.Millisecond

// Event is one live transcript record from a watched session.
type Event struct {
	SessionID   string
	ProjectPath string
	Record      Record
}

// Watcher tails transcript files for subscribed sessions. Watchers are
// ref-counted: a session's file watcher exists exactly while at least one
// subscriber holds it, and is torn down on the last release.
type Watcher struct {
	mu    sync.Mutex
	store *Store
	refs  map[string]*watchedSession

	// OnMessage receives each new deliverable record.
	OnMessage func(Event)
	// OnMetrics receives recomputed token metrics after each write burst.
	OnMetrics func(wire.MetricsData)
	// OnDeleted fires when a watched transcript disappears.
	OnDeleted func(sessionID, projectPath string)
}

type watchedSession struct {
	sessionID   string
	projectPath string
	path        string
	count       int
	offset      int64
	paused      bool
	fw          *fsnotify.Watcher
	done        chan struct{}
}

// NewWatcher creates a Watcher over the given store.
func NewWatcher(store *Store) *Watcher {
	return &Watcher{
		store: store,
		refs:  make(map[string]*watchedSession),
	}
}

// Acquire adds a reference to a session's watcher, creating it on the first
// call. New watchers start at the current end of file: subscribers get the
// backlog from the store, the watcher delivers only what comes after.
func (w *Watcher) Acquire(sessionID, projectPath string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if ws, ok := w.refs[sessionID]; ok {
		ws.count++
		return nil
	}

	path, err := w.store.SessionPath(sessionID, projectPath)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat session: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return fmt.Errorf("watch session file: %w", err)
	}

	ws := &watchedSession{
		sessionID:   sessionID,
		projectPath: projectPath,
		path:        path,
		count:       1,
		offset:      info.Size(),
		fw:          fw,
		done:        make(chan struct{}),
	}
	w.refs[sessionID] = ws
	go w.watchLoop(ws)

	log.Debug().Str("session_id", sessionID).Msg("transcript watcher started")
	return nil
}

// Release drops one reference; the watcher closes when none remain.
func (w *Watcher) Release(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws, ok := w.refs[sessionID]
	if !ok {
		return
	}
	ws.count--
	if ws.count > 0 {
		return
	}
	delete(w.refs, sessionID)
	close(ws.done)
	ws.fw.Close()
	log.Debug().Str("session_id", sessionID).Msg("transcript watcher stopped")
}

// Pause suppresses record delivery for a session while the daemon itself is
// driving the assistant: the runner streams those records directly, so the
// watcher advancing silently avoids duplicates.
func (w *Watcher) Pause(sessionID string) {
	w.mu.Lock()
	if ws, ok := w.refs[sessionID]; ok {
		ws.paused = true
	}
	w.mu.Unlock()
}

// Resume re-enables delivery after a Pause.
func (w *Watcher) Resume(sessionID string) {
	w.mu.Lock()
	if ws, ok := w.refs[sessionID]; ok {
		ws.paused = false
	}
	w.mu.Unlock()
}

// Watching reports whether a session currently has an active watcher.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.refs[sessionID]
	return ok
}

func (w *Watcher) watchLoop(ws *watchedSession) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ws.done:
			return
		case <-fire:
			w.drain(ws)
		case event, ok := <-ws.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.handleDeleted(ws)
				return
			}
			if event.Op&fsnotify.Write == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-ws.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("session_id", ws.sessionID).Msg("transcript watcher error")
		}
	}
}

// drain reads everything appended since the last offset and delivers it.
func (w *Watcher) drain(ws *watchedSession) {
	w.mu.Lock()
	offset := ws.offset
	paused := ws.paused
	w.mu.Unlock()

	records, newOffset, err := readIncremental(ws.path, offset)
	if err != nil {
		if os.IsNotExist(err) {
			w.handleDeleted(ws)
			return
		}
		log.Warn().Err(err).Str("session_id", ws.sessionID).Msg("incremental read failed")
		return
	}

	w.mu.Lock()
	ws.offset = newOffset
	w.mu.Unlock()

	if !paused && w.OnMessage != nil {
		for _, rec := range records {
			w.OnMessage(Event{
				SessionID:   ws.sessionID,
				ProjectPath: ws.projectPath,
				Record:      rec,
			})
		}
	}

	if len(records) > 0 && w.OnMetrics != nil {
		if metrics, err := ComputeMetrics(ws.path); err == nil {
			metrics.SessionID = ws.sessionID
			w.OnMetrics(metrics)
		}
	}
}

func (w *Watcher) handleDeleted(ws *watchedSession) {
	w.mu.Lock()
	if current, ok := w.refs[ws.sessionID]; ok && current == ws {
		delete(w.refs, ws.sessionID)
	}
	w.mu.Unlock()
	ws.fw.Close()

	log.Info().Str("session_id", ws.sessionID).Msg("watched transcript deleted")
	if w.OnDeleted != nil {
		w.OnDeleted(ws.sessionID, ws.projectPath)
	}
}

// readIncremental parses complete JSONL lines appended after offset. A
// partial final line (no trailing newline yet) is left for the next read;
// the returned offset never moves past unconsumed bytes.
func readIncremental(path string, offset int64) ([]Record, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	// Truncated or replaced file: start over from the beginning
	if info.Size() < offset {
		offset = 0
	}
	if info.Size() == offset {
		return nil, offset, nil
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, err
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, err
	}

	var (
		records  []Record
		consumed int64
	)
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(buf[:idx])
		if len(line) > 0 {
			if rec, perr := ParseRecord(line); perr == nil && !rec.IsInternal() {
				records = append(records, rec)
			}
		}
		consumed += int64(idx + 1)
		buf = buf[idx+1:]
	}
	return records, offset + consumed, nil
}

// ComputeMetrics derives cumulative token usage and the current context
// length for a transcript. Context length comes from the most recent
// assistant record that is neither a sidechain nor an API error.
func ComputeMetrics(path string) (wire.MetricsData, error) {
	records, err := readAll(path)
	if err != nil {
		return wire.MetricsData{}, err
	}

	var m wire.MetricsData
	for _, rec := range records {
		if rec.Type != "assistant" || rec.Message == nil || rec.Message.Usage == nil {
			continue
		}
		u := rec.Message.Usage
		m.InputTokens += u.InputTokens
		m.OutputTokens += u.OutputTokens
		if !rec.IsSidechain && !rec.IsAPIError {
			m.ContextLength = u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
		}
	}
	return m, nil
}
