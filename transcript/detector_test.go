package transcript

import (
	"testing"
	"time"
)

func TestDetectorReportsNewSessionOnce(t *testing.T) {
	root := t.TempDir()
	// Pre-existing session must not trigger
	writeSession(t, root, "-proj", sidA, `{"type":"user","uuid":"u1","cwd":"/proj"}`)

	d := NewDetector(NewPathMap(root))
	created := make(chan string, 4)
	if err := d.Watch("client-1", "/proj", func(id string) { created <- id }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer d.Cancel("client-1")

	// Non-session files are ignored
	writeSession(t, root, "-proj", "agent-"+sidB, `{"type":"user","uuid":"x"}`)
	writeSession(t, root, "-proj", sidB, `{"type":"user","uuid":"u1","cwd":"/proj"}`)

	select {
	case id := <-created:
		if id != sidB {
			t.Errorf("expected %s, got %s", sidB, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for detection")
	}

	// At most one notification per watch
	writeSession(t, root, "-proj", "33333333-3333-3333-3333-333333333333",
		`{"type":"user","uuid":"u1","cwd":"/proj"}`)
	select {
	case id := <-created:
		t.Errorf("unexpected second detection: %s", id)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestDetectorSynthesizesMissingProject(t *testing.T) {
	root := t.TempDir()
	d := NewDetector(NewPathMap(root))

	created := make(chan string, 1)
	if err := d.Watch("client-1", "/never/seen", func(id string) { created <- id }); err != nil {
		t.Fatalf("watch on fresh project: %v", err)
	}
	defer d.Cancel("client-1")

	writeSession(t, root, "-never-seen", sidA, `{"type":"user","uuid":"u1","cwd":"/never/seen"}`)

	select {
	case id := <-created:
		if id != sidA {
			t.Errorf("expected %s, got %s", sidA, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for detection in synthesized dir")
	}
}

func TestDetectorReplaceAndCancel(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "-proj", sidA, `{"type":"user","uuid":"u1","cwd":"/proj"}`)
	d := NewDetector(NewPathMap(root))

	first := make(chan string, 1)
	if err := d.Watch("client-1", "/proj", func(id string) { first <- id }); err != nil {
		t.Fatalf("watch: %v", err)
	}
	// Second watch from the same client replaces the first
	second := make(chan string, 1)
	if err := d.Watch("client-1", "/proj", func(id string) { second <- id }); err != nil {
		t.Fatalf("rewatch: %v", err)
	}
	d.Cancel("client-1")

	writeSession(t, root, "-proj", sidB, `{"type":"user","uuid":"u1","cwd":"/proj"}`)
	select {
	case id := <-first:
		t.Errorf("replaced watch fired: %s", id)
	case id := <-second:
		t.Errorf("cancelled watch fired: %s", id)
	case <-time.After(400 * time.Millisecond):
	}
}
