// Package db is the server's sqlite cache of daemon-pushed metadata. REST
// reads fall back to it when the daemon is offline; the daemon's pushes
// keep it current.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	real_path     TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	encoded_name  TEXT NOT NULL,
	last_active   INTEGER NOT NULL DEFAULT 0,
	session_count INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	real_path     TEXT NOT NULL,
	created_at    INTEGER NOT NULL DEFAULT 0,
	last_updated  INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_real_path ON sessions(real_path);
`

// Cache wraps the sqlite connection.
type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache database and applies the schema.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode and a busy timeout; sqlite works best with a single writer
	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Info().Str("path", path).Msg("cache database ready")
	return &Cache{db: conn}, nil
}

// Close closes the underlying connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// UpsertProjects replaces or inserts project rows.
func (c *Cache) UpsertProjects(projects []wire.ProjectInfo) error {
	return c.transaction(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, p := range projects {
			_, err := tx.Exec(`
				INSERT INTO projects (real_path, name, encoded_name, last_active, session_count, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(real_path) DO UPDATE SET
					name = excluded.name,
					encoded_name = excluded.encoded_name,
					last_active = excluded.last_active,
					session_count = excluded.session_count,
					updated_at = excluded.updated_at`,
				p.Path, p.Name, p.EncodedName, p.LastActive, p.SessionCount, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertSessions replaces or inserts session rows for one project.
func (c *Cache) UpsertSessions(projectPath string, sessions []wire.SessionInfo) error {
	return c.transaction(func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, s := range sessions {
			if s.Deleted {
				if _, err := tx.Exec(`DELETE FROM sessions WHERE session_id = ?`, s.SessionID); err != nil {
					return err
				}
				continue
			}
			_, err := tx.Exec(`
				INSERT INTO sessions (session_id, real_path, created_at, last_updated, message_count, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(session_id) DO UPDATE SET
					real_path = excluded.real_path,
					created_at = excluded.created_at,
					last_updated = excluded.last_updated,
					message_count = excluded.message_count,
					updated_at = excluded.updated_at`,
				s.SessionID, projectPath, s.CreatedAt, s.LastUpdated, s.MessageCount, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteSession removes one session row.
func (c *Cache) DeleteSession(sessionID string) error {
	_, err := c.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	return err
}

// ListProjects returns cached projects, most recently active first.
func (c *Cache) ListProjects(limit int) ([]wire.ProjectInfo, error) {
	query := `SELECT real_path, name, encoded_name, last_active, session_count
		FROM projects ORDER BY last_active DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []wire.ProjectInfo
	for rows.Next() {
		var p wire.ProjectInfo
		if err := rows.Scan(&p.Path, &p.Name, &p.EncodedName, &p.LastActive, &p.SessionCount); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetProjectByEncoded looks up one project by encoded directory name.
func (c *Cache) GetProjectByEncoded(encodedName string) (wire.ProjectInfo, bool, error) {
	var p wire.ProjectInfo
	err := c.db.QueryRow(`SELECT real_path, name, encoded_name, last_active, session_count
		FROM projects WHERE encoded_name = ?`, encodedName).
		Scan(&p.Path, &p.Name, &p.EncodedName, &p.LastActive, &p.SessionCount)
	if err == sql.ErrNoRows {
		return wire.ProjectInfo{}, false, nil
	}
	if err != nil {
		return wire.ProjectInfo{}, false, err
	}
	return p, true, nil
}

// ListSessions returns cached sessions for one project, newest first.
func (c *Cache) ListSessions(projectPath string, limit int) ([]wire.SessionInfo, error) {
	query := `SELECT session_id, real_path, created_at, last_updated, message_count
		FROM sessions WHERE real_path = ? ORDER BY last_updated DESC`
	args := []any{projectPath}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []wire.SessionInfo
	for rows.Next() {
		var s wire.SessionInfo
		if err := rows.Scan(&s.SessionID, &s.ProjectPath, &s.CreatedAt, &s.LastUpdated, &s.MessageCount); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// GetSession looks up one session by ID.
func (c *Cache) GetSession(sessionID string) (wire.SessionInfo, bool, error) {
	var s wire.SessionInfo
	err := c.db.QueryRow(`SELECT session_id, real_path, created_at, last_updated, message_count
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&s.SessionID, &s.ProjectPath, &s.CreatedAt, &s.LastUpdated, &s.MessageCount)
	if err == sql.ErrNoRows {
		return wire.SessionInfo{}, false, nil
	}
	if err != nil {
		return wire.SessionInfo{}, false, err
	}
	return s, true, nil
}

func (c *Cache) transaction(fn func(*sql.Tx) error) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
