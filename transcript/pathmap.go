package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vlaude/vlaude/log"
)

// ErrProjectNotFound means no store directory could be tied to a real path.
var ErrProjectNotFound = errors.New("project not found in transcript store")

// EncodePath converts a real filesystem path to the store's directory name:
// every path separator becomes a dash, so "/a/b" becomes "-a-b". The
// transform is lossy; DecodePath is only a guess.
func EncodePath(realPath string) string {
	return strings.ReplaceAll(realPath, "/", "-")
}

// DecodePath is the non-authoritative inverse of EncodePath. Dashes that
// were part of the original path come back as separators, so callers must
// treat the result as a hint and confirm against transcript cwd fields.
func DecodePath(encoded string) string {
	return strings.ReplaceAll(encoded, "-", "/")
}

// PathMap maintains the mapping from real project paths to encoded store
// directory names. The authoritative direction is the cwd field inside
// transcript records, not the directory name.
type PathMap struct {
	mu    sync.RWMutex
	root  string
	byDir map[string]string // realPath → encoded dir name
}

// NewPathMap creates a PathMap over the given store root.
func NewPathMap(root string) *PathMap {
	return &PathMap{
		root:  root,
		byDir: make(map[string]string),
	}
}

// Root returns the store root directory.
func (p *PathMap) Root() string { return p.root }

// Resolve returns the encoded directory name for a real project path,
// rescanning the store on a cache miss.
func (p *PathMap) Resolve(realPath string) (string, error) {
	p.mu.RLock()
	encoded, ok := p.byDir[realPath]
	p.mu.RUnlock()

	if ok {
		if _, err := os.Stat(filepath.Join(p.root, encoded)); err == nil {
			return encoded, nil
		}
	}
	return p.Refresh(realPath)
}

// Refresh rescans the store for the directory backing realPath. The scan
// confirms candidates by the cwd recorded inside their transcript files and
// falls back to a basename match on directories with very recent writes.
func (p *PathMap) Refresh(realPath string) (string, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return "", fmt.Errorf("read store root: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Evict entries whose directories are gone
	for real, enc := range p.byDir {
		if _, err := os.Stat(filepath.Join(p.root, enc)); err != nil {
			delete(p.byDir, real)
		}
	}

	// Fast path: the naive encoding exists and its transcripts agree
	naive := EncodePath(realPath)
	var fallback string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name != naive && !strings.HasSuffix(name, EncodePath("/"+filepath.Base(realPath))) {
			continue
		}
		dir := filepath.Join(p.root, name)
		cwd, ok := dirCWD(dir)
		if ok {
			if cwd == realPath {
				p.byDir[realPath] = name
				return name, nil
			}
			continue
		}
		// No cwd readable: accept a basename match only when the directory
		// saw a write moments ago (a brand-new session still being created)
		if recentWrite(dir, 60*time.Second) {
			fallback = name
		}
	}

	// Slow path: confirm against every directory's recorded cwd
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		dir := filepath.Join(p.root, name)
		if cwd, ok := dirCWD(dir); ok && cwd == realPath {
			p.byDir[realPath] = name
			return name, nil
		}
	}

	if fallback != "" {
		log.Debug().Str("path", realPath).Str("dir", fallback).Msg("pathmap: basename fallback match")
		p.byDir[realPath] = fallback
		return fallback, nil
	}
	return "", fmt.Errorf("%w: %s", ErrProjectNotFound, realPath)
}

// Synthesize creates the store directory for a project that has no sessions
// yet. Only new-session detection uses this; everything else must fail on
// an unknown project instead of inventing directories.
func (p *PathMap) Synthesize(realPath string) (string, error) {
	if encoded, err := p.Resolve(realPath); err == nil {
		return encoded, nil
	}
	encoded := EncodePath(realPath)
	if err := os.MkdirAll(filepath.Join(p.root, encoded), 0o755); err != nil {
		return "", fmt.Errorf("create project dir: %w", err)
	}
	p.mu.Lock()
	p.byDir[realPath] = encoded
	p.mu.Unlock()
	return encoded, nil
}

// dirCWD extracts the real project path recorded inside a store directory by
// reading transcript files (newest first) until one yields a cwd field.
func dirCWD(dir string) (string, bool) {
	files, err := sessionFiles(dir)
	if err != nil || len(files) == 0 {
		return "", false
	}
	for i, f := range files {
		if i >= 3 {
			break
		}
		if cwd, ok := fileCWD(filepath.Join(dir, f.name)); ok {
			return cwd, true
		}
	}
	return "", false
}

// fileCWD returns the cwd from the first JSONL line that carries one.
func fileCWD(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for lines := 0; scanner.Scan() && lines < 50; lines++ {
		var probe struct {
			CWD string `json:"cwd"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &probe); err == nil && probe.CWD != "" {
			return probe.CWD, true
		}
	}
	return "", false
}

type sessionFile struct {
	name    string
	modTime time.Time
	size    int64
}

// sessionFiles lists a directory's transcript files, newest first, skipping
// subagent transcripts.
func sessionFiles(dir string) ([]sessionFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []sessionFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") || strings.HasPrefix(name, "agent-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, sessionFile{name: name, modTime: info.ModTime(), size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })
	return files, nil
}

func recentWrite(dir string, within time.Duration) bool {
	files, err := sessionFiles(dir)
	if err != nil || len(files) == 0 {
		return false
	}
	return time.Since(files[0].modTime) <= within
}
