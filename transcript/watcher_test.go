package transcript

import (
	"os"
	"testing"
	"time"

	"github.com/vlaude/vlaude/wire"
)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func TestWatcherDeliversAppendedRecords(t *testing.T) {
	store, root := newTestStore(t)
	path := writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`)

	w := NewWatcher(store)
	events := make(chan Event, 8)
	w.OnMessage = func(e Event) { events <- e }

	if err := w.Acquire(sidA, "/proj"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer w.Release(sidA)

	appendLine(t, path, `{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:05Z"}`)
	appendLine(t, path, `{"type":"checkpoint","uuid":"c1"}`)

	select {
	case e := <-events:
		if e.Record.UUID != "a1" || e.SessionID != sidA {
			t.Errorf("unexpected event: %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for appended record")
	}

	// The checkpoint is internal and must not be delivered
	select {
	case e := <-events:
		t.Errorf("unexpected second event: %+v", e)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherRefCounting(t *testing.T) {
	store, root := newTestStore(t)
	writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj"}`)

	w := NewWatcher(store)
	if err := w.Acquire(sidA, "/proj"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := w.Acquire(sidA, "/proj"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}

	w.Release(sidA)
	if !w.Watching(sidA) {
		t.Error("watcher should survive first release")
	}
	w.Release(sidA)
	if w.Watching(sidA) {
		t.Error("watcher should close on last release")
	}
	// Releasing an unwatched session is a no-op
	w.Release(sidA)
}

func TestWatcherPauseSuppressesDelivery(t *testing.T) {
	store, root := newTestStore(t)
	path := writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj"}`)

	w := NewWatcher(store)
	events := make(chan Event, 8)
	w.OnMessage = func(e Event) { events <- e }

	if err := w.Acquire(sidA, "/proj"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer w.Release(sidA)

	w.Pause(sidA)
	appendLine(t, path, `{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:05Z"}`)

	select {
	case e := <-events:
		t.Errorf("paused watcher delivered %+v", e)
	case <-time.After(400 * time.Millisecond):
	}

	// Offset advanced while paused: resume delivers only what comes after
	w.Resume(sidA)
	appendLine(t, path, `{"type":"assistant","uuid":"a2","timestamp":"2026-01-01T00:00:06Z"}`)

	select {
	case e := <-events:
		if e.Record.UUID != "a2" {
			t.Errorf("expected a2 after resume, got %s", e.Record.UUID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for post-resume record")
	}
}

func TestWatcherReportsDeletedSession(t *testing.T) {
	store, root := newTestStore(t)
	path := writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj"}`)

	w := NewWatcher(store)
	deleted := make(chan string, 1)
	w.OnDeleted = func(sessionID, projectPath string) { deleted <- sessionID }

	if err := w.Acquire(sidA, "/proj"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case id := <-deleted:
		if id != sidA {
			t.Errorf("expected %s, got %s", sidA, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for delete notification")
	}
	if w.Watching(sidA) {
		t.Error("deleted session should leave the watch set")
	}
}

func TestReadIncrementalPartialLine(t *testing.T) {
	root := t.TempDir()
	path := writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj"}`)
	info, _ := os.Stat(path)
	offset := info.Size()

	// A complete line followed by a partial one
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"type":"assistant","uuid":"a1"}` + "\n" + `{"type":"assist`)
	f.Close()

	records, newOffset, err := readIncremental(path, offset)
	if err != nil {
		t.Fatalf("read incremental: %v", err)
	}
	if len(records) != 1 || records[0].UUID != "a1" {
		t.Fatalf("expected only the complete record, got %d", len(records))
	}

	// Completing the partial line delivers it from the saved offset
	f, _ = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(`ant","uuid":"a2"}` + "\n")
	f.Close()

	records, _, err = readIncremental(path, newOffset)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(records) != 1 || records[0].UUID != "a2" {
		t.Fatalf("expected completed record a2, got %+v", records)
	}
}

func TestComputeMetrics(t *testing.T) {
	root := t.TempDir()
	path := writeSession(t, root, "-proj", sidA,
		`{"type":"user","uuid":"u1","cwd":"/proj"}`,
		`{"type":"assistant","uuid":"a1","message":{"role":"assistant","usage":{"input_tokens":100,"output_tokens":20,"cache_read_input_tokens":500,"cache_creation_input_tokens":50}}}`,
		`{"type":"assistant","uuid":"a2","isSidechain":true,"message":{"role":"assistant","usage":{"input_tokens":10,"output_tokens":5}}}`,
		`{"type":"assistant","uuid":"a3","message":{"role":"assistant","usage":{"input_tokens":120,"output_tokens":30,"cache_read_input_tokens":600,"cache_creation_input_tokens":10}}}`)

	m, err := ComputeMetrics(path)
	if err != nil {
		t.Fatalf("compute metrics: %v", err)
	}
	want := wire.MetricsData{InputTokens: 230, OutputTokens: 55, ContextLength: 730}
	if m.InputTokens != want.InputTokens || m.OutputTokens != want.OutputTokens {
		t.Errorf("totals: got %+v, want %+v", m, want)
	}
	// Sidechain a2 must not define context length; a3 does
	if m.ContextLength != want.ContextLength {
		t.Errorf("context length: got %d, want %d", m.ContextLength, want.ContextLength)
	}
}
