package db

import (
	"path/filepath"
	"testing"

	"github.com/vlaude/vlaude/wire"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestProjectUpsertAndList(t *testing.T) {
	c := openTestCache(t)

	err := c.UpsertProjects([]wire.ProjectInfo{
		{Path: "/a", Name: "a", EncodedName: "-a", LastActive: 100, SessionCount: 1},
		{Path: "/b", Name: "b", EncodedName: "-b", LastActive: 200, SessionCount: 2},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	projects, err := c.ListProjects(0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(projects) != 2 || projects[0].Path != "/b" {
		t.Errorf("expected /b first, got %+v", projects)
	}

	// Re-upsert updates in place
	err = c.UpsertProjects([]wire.ProjectInfo{
		{Path: "/a", Name: "a", EncodedName: "-a", LastActive: 300, SessionCount: 5},
	})
	if err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	projects, _ = c.ListProjects(1)
	if len(projects) != 1 || projects[0].Path != "/a" || projects[0].SessionCount != 5 {
		t.Errorf("expected updated /a first, got %+v", projects)
	}

	p, ok, err := c.GetProjectByEncoded("-b")
	if err != nil || !ok || p.Path != "/b" {
		t.Errorf("lookup by encoded: %+v ok=%v err=%v", p, ok, err)
	}
	if _, ok, _ := c.GetProjectByEncoded("-missing"); ok {
		t.Error("missing project reported found")
	}
}

func TestSessionUpsertDeleteAndLookup(t *testing.T) {
	c := openTestCache(t)

	err := c.UpsertSessions("/a", []wire.SessionInfo{
		{SessionID: "s1", CreatedAt: 1, LastUpdated: 10, MessageCount: 4},
		{SessionID: "s2", CreatedAt: 2, LastUpdated: 20, MessageCount: 8},
	})
	if err != nil {
		t.Fatalf("upsert sessions: %v", err)
	}

	sessions, err := c.ListSessions("/a", 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != "s2" {
		t.Errorf("expected s2 first, got %+v", sessions)
	}

	s, ok, err := c.GetSession("s1")
	if err != nil || !ok || s.ProjectPath != "/a" || s.MessageCount != 4 {
		t.Errorf("get session: %+v ok=%v err=%v", s, ok, err)
	}

	// A push carrying Deleted removes the row
	err = c.UpsertSessions("/a", []wire.SessionInfo{{SessionID: "s1", Deleted: true}})
	if err != nil {
		t.Fatalf("delete via upsert: %v", err)
	}
	if _, ok, _ := c.GetSession("s1"); ok {
		t.Error("deleted session still present")
	}

	if err := c.DeleteSession("s2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	sessions, _ = c.ListSessions("/a", 0)
	if len(sessions) != 0 {
		t.Errorf("expected empty, got %+v", sessions)
	}
}
