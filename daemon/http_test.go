package daemon

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/transcript"
)

const httpTestSID = "33333333-3333-3333-3333-333333333333"

func newTestHTTPServer(t *testing.T) (*HTTPServer, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{Env: "test", StoreRoot: root}
	service := New(cfg, transcript.NewStore(transcript.NewPathMap(root)))
	return NewHTTPServer(cfg, service), root
}

func writeTranscript(t *testing.T, root, encodedDir, sessionID string, lines ...string) string {
	t.Helper()
	dir := filepath.Join(root, encodedDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, sessionID+".jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func doJSON(t *testing.T, s *HTTPServer, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestCheckLoadingIdleSession(t *testing.T) {
	s, root := newTestHTTPServer(t)
	writeTranscript(t, root, "-proj", httpTestSID,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:05Z"}`)

	rec := doJSON(t, s, "/sessions/check-loading",
		`{"sessionId":"`+httpTestSID+`","projectPath":"/proj"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	// Freshly written file is within the activity window, so loading is true
	require.Contains(t, rec.Body.String(), `"loading":true`)
}

func TestCheckLoadingAgedSession(t *testing.T) {
	s, root := newTestHTTPServer(t)
	path := writeTranscript(t, root, "-proj", httpTestSID,
		`{"type":"user","uuid":"u1","cwd":"/proj","timestamp":"2026-01-01T00:00:00Z"}`,
		`{"type":"assistant","uuid":"a1","timestamp":"2026-01-01T00:00:05Z"}`)
	old := time.Now().Add(-30 * time.Second)
	require.NoError(t, os.Chtimes(path, old, old))

	rec := doJSON(t, s, "/sessions/check-loading",
		`{"sessionId":"`+httpTestSID+`","projectPath":"/proj"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"loading":false`)
}

func TestCheckLoadingRejectsMissingFields(t *testing.T) {
	s, _ := newTestHTTPServer(t)
	rec := doJSON(t, s, "/sessions/check-loading", `{"sessionId":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":false`)
}

func TestSendMessageRequiresText(t *testing.T) {
	s, _ := newTestHTTPServer(t)
	rec := doJSON(t, s, "/sessions/send-message",
		`{"sessionId":"`+httpTestSID+`","projectPath":"/proj"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateSessionRequiresProjectAndText(t *testing.T) {
	s, _ := newTestHTTPServer(t)
	rec := doJSON(t, s, "/sessions/create", `{"projectPath":"/proj"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":false`)

	rec = doJSON(t, s, "/sessions/create", `{"text":"hi"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageUnknownSession(t *testing.T) {
	s, _ := newTestHTTPServer(t)
	rec := doJSON(t, s, "/sessions/send-message",
		`{"sessionId":"`+httpTestSID+`","projectPath":"/nowhere","text":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), `"success":false`)
}
