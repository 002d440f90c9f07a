package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	realtimeTypes "github.com/ricochet1k/wagate/pkg/realtime"
)

const (
	outboundBufferSize = 64

	writeWait  = 10 * time.Second
	PongWait   = 60 * time.Second
	pingPeriod = (PongWait * 9) / 10
)

// Viewer is who a client connection belongs to.
type Viewer struct {
	Owner   string
	IsAdmin bool
}

func (v Viewer) canSee(owner string) bool {
	return v.IsAdmin || (v.Owner != "" && v.Owner == owner)
}

type Client struct {
	id     string
	conn   *websocket.Conn
	viewer Viewer
	send   chan realtimeTypes.Frame

	mu     sync.Mutex
	closed bool

	// While holding, frames are kept in held until Start.
	holding bool
	held    []realtimeTypes.Frame
}

func NewClient(id string, conn *websocket.Conn, viewer Viewer) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		viewer: viewer,
		send:   make(chan realtimeTypes.Frame, outboundBufferSize),
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Viewer() Viewer {
	return c.viewer
}

// Hold makes Queue keep frames back until Start is called. Register a held
// client before reading its snapshot so no update between the read and the
// snapshot is lost or overtaken.
func (c *Client) Hold() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holding = true
}

// Start queues first, then every frame held since Hold.
func (c *Client) Start(first realtimeTypes.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.holding = false
	c.held = nil
	if !c.queueLocked(first) {
		return false
	}
	for _, msg := range held {
		if !c.queueLocked(msg) {
			return false
		}
	}
	return true
}

// Queue reports false when the outbound buffer is full or the client is
// closed.
func (c *Client) Queue(msg realtimeTypes.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holding && !c.closed {
		if len(c.held) >= outboundBufferSize {
			return false
		}
		c.held = append(c.held, msg)
		return true
	}
	return c.queueLocked(msg)
}

func (c *Client) queueLocked(msg realtimeTypes.Frame) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// WriteLoop drains the outbound queue and keeps the connection alive with
// pings. It returns when the client is closed or a write fails.
func (c *Client) WriteLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
