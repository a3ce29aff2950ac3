package transcript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/vlaude/vlaude/log"
)

// Detector watches project directories for session files that do not exist
// yet. Each watch snapshots the directory first, then reports the first
// transcript created after the snapshot, exactly once, and stops.
type Detector struct {
	mu      sync.Mutex
	paths   *PathMap
	watches map[string]*dirWatch // keyed by requesting client ID
}

type dirWatch struct {
	clientID    string
	projectPath string
	known       map[string]bool
	fw          *fsnotify.Watcher
	done        chan struct{}
	once        sync.Once
}

// NewDetector creates a Detector over the given PathMap.
func NewDetector(paths *PathMap) *Detector {
	return &Detector{
		paths:   paths,
		watches: make(map[string]*dirWatch),
	}
}

// Watch starts detection for one client. The project directory is created
// if the project has never had a session (this is the one place that
// synthesizes a store directory). onCreated fires at most once.
func (d *Detector) Watch(clientID, projectPath string, onCreated func(sessionID string)) error {
	encoded, err := d.paths.Synthesize(projectPath)
	if err != nil {
		return err
	}
	dir := filepath.Join(d.paths.Root(), encoded)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("snapshot project dir: %w", err)
	}
	known := make(map[string]bool, len(entries))
	for _, entry := range entries {
		known[entry.Name()] = true
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return fmt.Errorf("watch project dir: %w", err)
	}

	watch := &dirWatch{
		clientID:    clientID,
		projectPath: projectPath,
		known:       known,
		fw:          fw,
		done:        make(chan struct{}),
	}

	d.mu.Lock()
	if prev, ok := d.watches[clientID]; ok {
		prev.stop()
	}
	d.watches[clientID] = watch
	d.mu.Unlock()

	go d.detectLoop(watch, onCreated)
	log.Debug().Str("client_id", clientID).Str("project", projectPath).Msg("new-session watch started")
	return nil
}

// Cancel stops the watch held by a client, if any.
func (d *Detector) Cancel(clientID string) {
	d.mu.Lock()
	watch, ok := d.watches[clientID]
	if ok {
		delete(d.watches, clientID)
	}
	d.mu.Unlock()
	if ok {
		watch.stop()
	}
}

func (d *Detector) detectLoop(watch *dirWatch, onCreated func(sessionID string)) {
	defer watch.fw.Close()
	for {
		select {
		case <-watch.done:
			return
		case event, ok := <-watch.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			name := filepath.Base(event.Name)
			if watch.known[name] {
				continue
			}
			sessionID, ok := sessionIDFromFile(name)
			if !ok {
				watch.known[name] = true
				continue
			}
			d.mu.Lock()
			if d.watches[watch.clientID] == watch {
				delete(d.watches, watch.clientID)
			}
			d.mu.Unlock()
			watch.stop()
			onCreated(sessionID)
			return
		case err, ok := <-watch.fw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("project", watch.projectPath).Msg("new-session watch error")
		}
	}
}

func (w *dirWatch) stop() {
	w.once.Do(func() { close(w.done) })
}

// sessionIDFromFile accepts only "<uuid>.jsonl" names; subagent transcripts
// and anything else in the directory are ignored.
func sessionIDFromFile(name string) (string, bool) {
	if !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, "agent-") {
		return "", false
	}
	id := strings.TrimSuffix(name, ".jsonl")
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}
