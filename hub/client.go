package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vlaude/vlaude/log"
	"github.com/vlaude/vlaude/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	sendBufferSize = 64
)

// Client is one WebSocket connection registered with the hub.
type Client struct {
	ID          string
	Type        wire.ClientType
	Subject     string
	SessionID   string
	ProjectPath string

	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. Run must be called to start the
// pumps; it blocks until the connection dies.
func NewClient(h *Hub, conn *websocket.Conn, subject string) *Client {
	return &Client{
		ID:      uuid.NewString(),
		Type:    wire.ClientMobile, // until join says otherwise
		Subject: subject,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

// Run registers the client and pumps frames until the connection closes.
func (c *Client) Run() {
	c.hub.register(c)
	defer c.hub.Disconnect(c)

	go c.writePump()
	c.readPump()
}

// Send queues an event for delivery. A client that cannot drain its buffer
// loses the frame rather than stalling the hub.
func (c *Client) Send(event string, payload any) {
	data, err := wire.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		log.Warn().Str("client_id", c.ID).Str("event", event).Msg("send buffer full, dropping frame")
	}
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("client_id", c.ID).Msg("websocket closed unexpectedly")
			}
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Str("client_id", c.ID).Msg("malformed frame")
			continue
		}
		c.hub.HandleFrame(c, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
