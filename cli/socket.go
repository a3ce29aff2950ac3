// Package cli is the wrapper around the interactive assistant: it launches
// the child process, keeps a control socket to the server, and runs the
// local/remote mode loop.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

const (
	socketBackoffBase = time.Second
	socketBackoffMax  = 5 * time.Second
)

// ErrNotConnected is returned by Emit while the socket is between dials.
var ErrNotConnected = errors.New("control socket not connected")

// Socket is the CLI's control connection to the server. Handlers are
// registered per event; the connection reconnects forever with capped
// backoff and replays the join via the OnConnect hook.
type Socket struct {
	url   string
	token string

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string]func(json.RawMessage)
	connect  func()
	ctx      context.Context
}

// NewSocket creates a socket for the given ws:// URL. Token may be empty
// when the server trusts the client's network.
func NewSocket(url, token string) *Socket {
	return &Socket{
		url:      url,
		token:    token,
		handlers: make(map[string]func(json.RawMessage)),
	}
}

// On registers the handler for one event. Must be called before Run.
func (s *Socket) On(event string, fn func(json.RawMessage)) {
	s.handlers[event] = fn
}

// OnConnect registers a hook invoked after every successful dial.
func (s *Socket) OnConnect(fn func()) { s.connect = fn }

// Emit sends one frame; a dropped connection surfaces as an error and the
// caller relies on the OnConnect replay after reconnect.
func (s *Socket) Emit(event string, payload any) error {
	data, err := wire.Encode(event, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Connected reports whether a live connection exists.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Run dials and dispatches until ctx is cancelled.
func (s *Socket) Run(ctx context.Context) error {
	s.ctx = ctx
	backoff := socketBackoffBase
	for {
		url := s.url
		if s.token != "" {
			url += "?token=" + s.token
		}
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > socketBackoffMax {
				backoff = socketBackoffMax
			}
			continue
		}
		backoff = socketBackoffBase

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		if s.connect != nil {
			s.connect()
		}

		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}

func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("control socket closed")
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if fn, ok := s.handlers[frame.Event]; ok {
			fn(frame.Data)
		}
	}
}
