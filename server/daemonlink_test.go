package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vlaude/vlaude/api"
	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/db"
	"github.com/vlaude/vlaude/hub"
	"github.com/vlaude/vlaude/wire"
)

func newTestLink(t *testing.T) (*DaemonLink, *db.Cache) {
	t.Helper()
	cache, err := db.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	h := hub.New(nil)
	link := NewDaemonLink(&config.Config{DaemonURL: "http://127.0.0.1:1"}, h, cache)
	return link, cache
}

func TestProjectsFallBackToCacheWithoutDaemon(t *testing.T) {
	link, cache := newTestLink(t)
	require.NoError(t, cache.UpsertProjects([]wire.ProjectInfo{
		{Path: "/a", Name: "a", EncodedName: "-a", LastActive: 5},
	}))

	projects, err := link.Projects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
	require.Equal(t, "/a", projects[0].Path)
}

func TestMessagesRequireDaemon(t *testing.T) {
	link, _ := newTestLink(t)
	_, err := link.Messages(context.Background(), "s1", "/a", 10, 0, "asc")
	require.True(t, errors.Is(err, api.ErrDaemonUnavailable))
}

func TestCreateSessionRoundTrip(t *testing.T) {
	daemon := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sessions/create", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "/a", body["projectPath"])
		require.Equal(t, "start here", body["text"])
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"sessionId":"fresh-1"}}`))
	}))
	defer daemon.Close()

	cache, err := db.Open(filepath.Join(t.TempDir(), "cache.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	link := NewDaemonLink(&config.Config{DaemonURL: daemon.URL}, hub.New(nil), cache)

	sessionID, err := link.CreateSession(context.Background(), "/a", "start here")
	require.NoError(t, err)
	require.Equal(t, "fresh-1", sessionID)
}

func TestCreateSessionRequiresDaemon(t *testing.T) {
	link, _ := newTestLink(t)
	_, err := link.CreateSession(context.Background(), "/a", "hi")
	require.True(t, errors.Is(err, api.ErrDaemonUnavailable))
}

func TestSessionLookupsUseCache(t *testing.T) {
	link, cache := newTestLink(t)
	require.NoError(t, cache.UpsertSessions("/a", []wire.SessionInfo{
		{SessionID: "s1", LastUpdated: 9, MessageCount: 2},
	}))

	sessions, err := link.SessionsByPath(context.Background(), "/a", 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	session, err := link.SessionByID(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "/a", session.ProjectPath)

	_, err = link.SessionByID(context.Background(), "missing")
	require.True(t, errors.Is(err, api.ErrNotFound))
}

func TestProjectDataPushResolvesPending(t *testing.T) {
	link, cache := newTestLink(t)

	// An unsolicited push (no requestId) just lands in the cache
	link.handleProjectData(wire.ProjectDataPayload{
		Projects: []wire.ProjectInfo{{Path: "/b", Name: "b", EncodedName: "-b"}},
	})
	project, ok, err := cache.GetProjectByEncoded("-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/b", project.Path)

	// A deleted-session hook removes the cached row
	require.NoError(t, cache.UpsertSessions("/b", []wire.SessionInfo{{SessionID: "s9"}}))
	link.handleSessionDeleted("s9", "/b")
	_, ok, err = cache.GetSession("s9")
	require.NoError(t, err)
	require.False(t, ok)
}
