package transcript

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSession(t *testing.T, root, encodedDir, sessionID string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, encodedDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, sessionID+".jsonl")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write session: %v", err)
	}
	return path
}

func TestEncodePathRoundTrip(t *testing.T) {
	paths := []string{"/Users/dev/work/api", "/home/user/project", "/tmp/x"}
	for _, p := range paths {
		encoded := EncodePath(p)
		if DecodePath(encoded) != p {
			t.Errorf("round trip failed for %q: got %q", p, DecodePath(encoded))
		}
	}
}

func TestEncodePathIsLossy(t *testing.T) {
	// A dash in the real path is indistinguishable from a separator
	a := EncodePath("/home/my-app")
	b := EncodePath("/home/my/app")
	if a != b {
		t.Errorf("expected collision, got %q vs %q", a, b)
	}
}

func TestResolveViaRecordedCWD(t *testing.T) {
	root := t.TempDir()
	// Directory name does not match the naive encoding: the cwd field wins
	writeSession(t, root, "-home-my-app", "11111111-1111-1111-1111-111111111111",
		`{"type":"user","uuid":"u1","cwd":"/home/my-app","timestamp":"2026-01-01T00:00:00Z"}`)

	pm := NewPathMap(root)
	encoded, err := pm.Resolve("/home/my-app")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if encoded != "-home-my-app" {
		t.Errorf("expected -home-my-app, got %q", encoded)
	}
}

func TestResolveDisambiguatesCollision(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "-home-my-app", "11111111-1111-1111-1111-111111111111",
		`{"type":"user","uuid":"u1","cwd":"/home/my/app"}`)

	pm := NewPathMap(root)
	encoded, err := pm.Resolve("/home/my/app")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if encoded != "-home-my-app" {
		t.Errorf("expected -home-my-app, got %q", encoded)
	}
	// The colliding sibling path must NOT resolve to the same directory
	if _, err := pm.Resolve("/home/my-app"); err == nil {
		t.Error("expected colliding path to miss")
	}
}

func TestResolveUnknownProject(t *testing.T) {
	pm := NewPathMap(t.TempDir())
	if _, err := pm.Resolve("/nowhere/at/all"); err == nil {
		t.Error("expected error for unknown project")
	}
}

func TestRefreshEvictsDeletedDirs(t *testing.T) {
	root := t.TempDir()
	writeSession(t, root, "-proj", "11111111-1111-1111-1111-111111111111",
		`{"type":"user","uuid":"u1","cwd":"/proj"}`)

	pm := NewPathMap(root)
	if _, err := pm.Resolve("/proj"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if err := os.RemoveAll(filepath.Join(root, "-proj")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := pm.Resolve("/proj"); err == nil {
		t.Error("expected miss after directory removal")
	}
}

func TestSynthesizeCreatesDirectory(t *testing.T) {
	root := t.TempDir()
	pm := NewPathMap(root)

	encoded, err := pm.Synthesize("/brand/new/project")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if encoded != "-brand-new-project" {
		t.Errorf("unexpected encoding %q", encoded)
	}
	if _, err := os.Stat(filepath.Join(root, encoded)); err != nil {
		t.Errorf("directory not created: %v", err)
	}

	// Resolve now finds it from cache without any transcript present
	got, err := pm.Resolve("/brand/new/project")
	if err != nil || got != encoded {
		t.Errorf("resolve after synthesize: %q, %v", got, err)
	}
}
