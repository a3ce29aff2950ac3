package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/vlaude/vlaude/config"
	"github.com/vlaude/vlaude/wire"
)

func testConfig(ts *wsTestServer) *config.Config {
	return &config.Config{ServerURL: ts.url(), AssistantBin: "true"}
}

// wsTestServer accepts one connection at a time and exposes the frames it
// received plus a way to push frames back.
type wsTestServer struct {
	srv      *httptest.Server
	received chan wire.Frame
	conns    chan *websocket.Conn
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	ts := &wsTestServer{
		received: make(chan wire.Frame, 16),
		conns:    make(chan *websocket.Conn, 4),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var frame wire.Frame
			if json.Unmarshal(data, &frame) == nil {
				ts.received <- frame
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *wsTestServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *wsTestServer) push(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := wire.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.Write(context.Background(), websocket.MessageText, data))
}

func waitFrame(t *testing.T, ch <-chan wire.Frame, event string) wire.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-ch:
			if frame.Event == event {
				return frame
			}
		case <-deadline:
			t.Fatalf("frame %q never arrived", event)
		}
	}
}

func TestSocketEmitAndDispatch(t *testing.T) {
	ts := newWSTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sock := NewSocket(ts.url(), "")
	pings := make(chan string, 1)
	sock.On("ping", func(data json.RawMessage) {
		var s string
		json.Unmarshal(data, &s)
		pings <- s
	})
	connected := make(chan struct{}, 1)
	sock.OnConnect(func() { connected <- struct{}{} })

	go sock.Run(ctx)
	<-connected
	conn := <-ts.conns

	require.NoError(t, sock.Emit("hello", map[string]string{"a": "b"}))
	frame := waitFrame(t, ts.received, "hello")
	require.Contains(t, string(frame.Data), `"a":"b"`)

	ts.push(t, conn, "ping", "pong")
	select {
	case got := <-pings:
		require.Equal(t, "pong", got)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never fired")
	}
}

func TestSocketEmitWhileDisconnected(t *testing.T) {
	sock := NewSocket("ws://127.0.0.1:1", "")
	require.ErrorIs(t, sock.Emit("x", nil), ErrNotConnected)
}

func TestDriverJoinsAndConfirms(t *testing.T) {
	ts := newWSTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testConfig(ts)
	d := NewDriver(cfg, t.TempDir(), "", "")

	go d.sock.Run(ctx)
	conn := <-ts.conns

	// A fresh driver joins as cli and arms the new-session watch
	join := waitFrame(t, ts.received, wire.EventJoin)
	var joinData wire.JoinData
	require.NoError(t, json.Unmarshal(join.Data, &joinData))
	require.Equal(t, wire.ClientCLI, joinData.ClientType)
	require.Empty(t, joinData.SessionID)
	waitFrame(t, ts.received, wire.EventWatchNewSession)

	// Confirmation pins the session
	ts.push(t, conn, wire.EventSessionConfirmed, wire.SessionConfirmedData{
		SessionID: "confirmed-1",
	})
	require.Eventually(t, func() bool {
		return d.currentSession() == "confirmed-1"
	}, 3*time.Second, 10*time.Millisecond)
}
