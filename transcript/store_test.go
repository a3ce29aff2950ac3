package transcript

import (
	"os"
	"testing"
	"time"
)

const (
	sidA = "11111111-1111-1111-1111-111111111111"
	sidB = "22222222-2222-2222-2222-222222222222"
	sidC = "33333333-3333-3333-3333-333333333333"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	return NewStore(NewPathMap(root)), root
}

func ageFile(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestListProjects(t *testing.T) {
	store, root := newTestStore(t)
	writeSession(t, root, "-work-api", sidA,
		`{"type":"user","uuid":"u1","cwd":"/work/api","timestamp":"2026-01-01T00:00:00Z"}`)
	writeSession(t, root, "-work-web", sidB,
		`{"type":"user","uuid":"u1","cwd":"/work/web","timestamp":"2026-01-02T00:00:00Z"}`)

	projects, err := store.ListProjects(0)
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
	for _, p := range projects {
		if p.SessionCount != 1 {
			t.Errorf("project %s: expected 1 session, got %d", p.Path, p.SessionCount)
		}
	}

	limited, err := store.ListProjects(1)
	if err != nil {
		t.Fatalf("list projects limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 project with limit, got %d", len(limited))
	}
}

func TestListSessionsSkipsNonSessions(t *testing.T) {
	store, root := newTestStore(t)
	writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:05Z"}`)
	// Summary-only file: not a session
	writeSession(t, root, "-proj", sidB, `{"type":"summary","summary":"old chat"}`)
	// Subagent transcript: never listed
	writeSession(t, root, "-proj", "agent-"+sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj"}`)

	sessions, err := store.ListSessions("/proj", 0)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].SessionID != sidA {
		t.Errorf("expected %s, got %s", sidA, sessions[0].SessionID)
	}
	if sessions[0].MessageCount != 2 {
		t.Errorf("expected 2 messages, got %d", sessions[0].MessageCount)
	}
}

func TestReadMessagesPagination(t *testing.T) {
	store, root := newTestStore(t)
	writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"queue-operation","uuid":"q1"}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:01Z"}`,
		`{"type":"user","uuid":"u2","timestamp":"2026-01-01T00:00:02Z"}`,
		`{"type":"assistant","uuid":"a2","timestamp":"2026-01-01T00:00:03Z"}`)

	page, err := store.ReadMessages(sidA, "/proj", 2, 0, OrderAsc)
	if err != nil {
		t.Fatalf("read messages: %v", err)
	}
	// Internal queue-operation is excluded from both page and total
	if page.Total != 4 {
		t.Errorf("expected total 4, got %d", page.Total)
	}
	if len(page.Messages) != 2 || !page.HasMore {
		t.Errorf("expected 2 messages with more, got %d hasMore=%v", len(page.Messages), page.HasMore)
	}
	if page.Messages[0].UUID != "u1" || page.Messages[1].UUID != "a1" {
		t.Errorf("wrong ascending order: %s, %s", page.Messages[0].UUID, page.Messages[1].UUID)
	}

	desc, err := store.ReadMessages(sidA, "/proj", 2, 0, OrderDesc)
	if err != nil {
		t.Fatalf("read messages desc: %v", err)
	}
	if desc.Messages[0].UUID != "a2" {
		t.Errorf("expected newest first, got %s", desc.Messages[0].UUID)
	}

	tail, err := store.ReadMessages(sidA, "/proj", 10, 3, OrderAsc)
	if err != nil {
		t.Fatalf("read messages offset: %v", err)
	}
	if len(tail.Messages) != 1 || tail.HasMore {
		t.Errorf("expected final page of 1, got %d hasMore=%v", len(tail.Messages), tail.HasMore)
	}
}

func TestReadMessagesUnknownSession(t *testing.T) {
	store, root := newTestStore(t)
	writeSession(t, root, "-proj", sidA, `{"type":"user","uuid":"u1","cwd":"/proj"}`)

	if _, err := store.ReadMessages(sidB, "/proj", 0, 0, OrderAsc); err == nil {
		t.Error("expected error for unknown session")
	}
}

func TestIsLoading(t *testing.T) {
	store, root := newTestStore(t)

	// Freshly written file counts as loading regardless of content
	path := writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:01Z"}`)
	loading, err := store.IsLoading(sidA, "/proj")
	if err != nil {
		t.Fatalf("is loading: %v", err)
	}
	if !loading {
		t.Error("recent write should report loading")
	}

	ageFile(t, path, time.Minute)
	loading, err = store.IsLoading(sidA, "/proj")
	if err != nil {
		t.Fatalf("is loading aged: %v", err)
	}
	if loading {
		t.Error("settled transcript should not report loading")
	}

	// Last assistant record with no completion timestamp: still streaming
	pathB := writeSession(t, root, "-proj", sidB,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","uuid":"a1"}`)
	ageFile(t, pathB, time.Minute)
	loading, err = store.IsLoading(sidB, "/proj")
	if err != nil {
		t.Fatalf("is loading streaming: %v", err)
	}
	if !loading {
		t.Error("assistant record without timestamp should report loading")
	}

	// Trailing tool and summary records do not hide a streaming reply;
	// the verdict comes from the most recent assistant record
	pathC := writeSession(t, root, "-proj", sidC,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","uuid":"a1"}`,
		`{"type":"user","uuid":"u2","timestamp":"2026-01-01T00:00:02Z"}`,
		`{"type":"summary","summary":"work in progress"}`)
	ageFile(t, pathC, time.Minute)
	loading, err = store.IsLoading(sidC, "/proj")
	if err != nil {
		t.Fatalf("is loading trailing: %v", err)
	}
	if !loading {
		t.Error("streaming assistant behind trailing records should report loading")
	}
}

func TestLatestSessionWindow(t *testing.T) {
	store, root := newTestStore(t)
	path := writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`)

	latest, ok, err := store.LatestSession("/proj", time.Minute)
	if err != nil || !ok {
		t.Fatalf("latest session: ok=%v err=%v", ok, err)
	}
	if latest.SessionID != sidA {
		t.Errorf("expected %s, got %s", sidA, latest.SessionID)
	}

	ageFile(t, path, time.Hour)
	_, ok, err = store.LatestSession("/proj", time.Minute)
	if err != nil {
		t.Fatalf("latest session aged: %v", err)
	}
	if ok {
		t.Error("session outside window should not match")
	}
}
