package transcript

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vlaude/vlaude/wire"
)

// ErrSessionNotFound means no transcript file exists for a session ID.
var ErrSessionNotFound = errors.New("session not found")

// Order controls pagination direction for message reads.
type Order string

const (
	OrderAsc  Order = "asc"
	OrderDesc Order = "desc"
)

// loadingWindow: a transcript written to this recently is considered mid-turn
// even when its last record looks complete.
const loadingWindow = 5 * time.Second

// MessagesPage is one page of transcript records.
type MessagesPage struct {
	Messages []Record
	Total    int
	HasMore  bool
}

// Store is a read-only view over the transcript store.
type Store struct {
	paths *PathMap
}

// NewStore creates a Store over the given PathMap.
func NewStore(paths *PathMap) *Store {
	return &Store{paths: paths}
}

// Paths exposes the underlying PathMap.
func (s *Store) Paths() *PathMap { return s.paths }

// ListProjects returns projects ordered by most recent activity. Projects
// whose real path cannot be recovered from any transcript are skipped.
func (s *Store) ListProjects(limit int) ([]wire.ProjectInfo, error) {
	entries, err := os.ReadDir(s.paths.Root())
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}

	var projects []wire.ProjectInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.paths.Root(), entry.Name())
		files, err := sessionFiles(dir)
		if err != nil || len(files) == 0 {
			continue
		}
		realPath, ok := dirCWD(dir)
		if !ok {
			realPath = DecodePath(entry.Name())
		}
		projects = append(projects, wire.ProjectInfo{
			Path:         realPath,
			Name:         filepath.Base(realPath),
			EncodedName:  entry.Name(),
			LastActive:   files[0].modTime.UnixMilli(),
			SessionCount: len(files),
		})
	}

	sort.Slice(projects, func(i, j int) bool { return projects[i].LastActive > projects[j].LastActive })
	if limit > 0 && len(projects) > limit {
		projects = projects[:limit]
	}
	return projects, nil
}

// ListSessions returns session metadata for one project, newest first.
// Transcripts holding only a summary line are not sessions and are skipped.
func (s *Store) ListSessions(realPath string, limit int) ([]wire.SessionInfo, error) {
	encoded, err := s.paths.Resolve(realPath)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.paths.Root(), encoded)
	files, err := sessionFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("read project dir: %w", err)
	}

	var sessions []wire.SessionInfo
	for _, f := range files {
		if limit > 0 && len(sessions) >= limit {
			break
		}
		info, ok := sessionMetadata(filepath.Join(dir, f.name), f)
		if !ok {
			continue
		}
		info.ProjectPath = realPath
		sessions = append(sessions, info)
	}
	return sessions, nil
}

// ReadMessages returns a page of a session's records with internal types
// filtered out. Total counts the filtered set; offsets index into it.
func (s *Store) ReadMessages(sessionID, realPath string, limit, offset int, order Order) (MessagesPage, error) {
	path, err := s.SessionPath(sessionID, realPath)
	if err != nil {
		return MessagesPage{}, err
	}
	records, err := readAll(path)
	if err != nil {
		return MessagesPage{}, err
	}

	if order == OrderDesc {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}

	total := len(records)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	page := records[offset:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return MessagesPage{
		Messages: page,
		Total:    total,
		HasMore:  offset+len(page) < total,
	}, nil
}

// IsLoading reports whether the assistant appears to be mid-turn: the file
// was written moments ago, or its last assistant record has no completion
// timestamp yet.
func (s *Store) IsLoading(sessionID, realPath string) (bool, error) {
	path, err := s.SessionPath(sessionID, realPath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat session: %w", err)
	}
	if time.Since(info.ModTime()) <= loadingWindow {
		return true, nil
	}

	records, err := readAll(path)
	if err != nil {
		return false, err
	}
	// The last assistant record missing its completion timestamp means a
	// reply is still streaming, no matter what trails it in the file
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Type != "assistant" {
			continue
		}
		return records[i].Timestamp == "", nil
	}
	return false, nil
}

// LatestSession returns the newest session in a project whose transcript was
// created within the given window. Used to attach to a session the CLI
// started moments before the daemon was asked about it.
func (s *Store) LatestSession(realPath string, within time.Duration) (wire.SessionInfo, bool, error) {
	sessions, err := s.ListSessions(realPath, 1)
	if err != nil {
		return wire.SessionInfo{}, false, err
	}
	if len(sessions) == 0 {
		return wire.SessionInfo{}, false, nil
	}
	latest := sessions[0]
	if time.Since(time.UnixMilli(latest.LastUpdated)) > within {
		return wire.SessionInfo{}, false, nil
	}
	return latest, true, nil
}

// SessionPath resolves the transcript file for a session within a project.
func (s *Store) SessionPath(sessionID, realPath string) (string, error) {
	encoded, err := s.paths.Resolve(realPath)
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.paths.Root(), encoded, sessionID+".jsonl")
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return path, nil
}

// sessionMetadata derives SessionInfo from one transcript file.
func sessionMetadata(path string, f sessionFile) (wire.SessionInfo, bool) {
	file, err := os.Open(path)
	if err != nil {
		return wire.SessionInfo{}, false
	}
	defer file.Close()

	var (
		count     int
		lines     int
		firstRec  Record
		haveFirst bool
		summary   bool
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines++
		rec, err := ParseRecord(line)
		if err != nil {
			continue
		}
		if !haveFirst {
			firstRec = rec
			haveFirst = true
			summary = rec.Type == "summary"
		}
		if !rec.IsInternal() {
			count++
		}
	}
	// A file holding only a summary line is leftover bookkeeping, not a session
	if lines <= 1 && summary {
		return wire.SessionInfo{}, false
	}

	createdAt := f.modTime.UnixMilli()
	if haveFirst && firstRec.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, firstRec.Timestamp); err == nil {
			createdAt = t.UnixMilli()
		}
	}
	return wire.SessionInfo{
		SessionID:    strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		CreatedAt:    createdAt,
		LastUpdated:  f.modTime.UnixMilli(),
		MessageCount: count,
	}, true
}

// readAll parses every deliverable record in a transcript file.
func readAll(path string) ([]Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	defer file.Close()

	var records []Record
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		trimmed := strings.TrimSpace(string(line))
		if trimmed != "" {
			if rec, perr := ParseRecord([]byte(trimmed)); perr == nil && !rec.IsInternal() {
				records = append(records, rec)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read session: %w", err)
		}
	}
	return records, nil
}
