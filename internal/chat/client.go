package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Peer is the part of the transport the hub drives directly.
type Peer interface {
	Ping(deadline time.Time) error
	Close() error
}

// wsPeer adapts a gorilla connection. WriteControl and Close are safe to
// call concurrently with the pumps.
type wsPeer struct {
	conn *websocket.Conn
}

func (p wsPeer) Ping(deadline time.Time) error {
	return p.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (p wsPeer) Close() error {
	return p.conn.Close()
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	ID   string
	Hub  *Hub
	Conn *websocket.Conn
	peer Peer

	// Buffered channel of outbound frames. Only enqueue and shutdown touch it.
	send    chan []byte
	sendMu  sync.Mutex
	closed  bool
	alive   atomic.Bool
	idMu    sync.RWMutex
	id      Identity
	session string

	// Channels this client belongs to. Owned by the hub goroutine.
	channels map[string]struct{}
	// Set by the liveness sweep once the transport has been told to close.
	// Owned by the hub goroutine.
	evicting bool
}

func NewClient(hub *Hub, conn *websocket.Conn, sessionEmpID string, buffer int) *Client {
	c := newClient(hub, wsPeer{conn: conn}, buffer)
	c.Conn = conn
	c.session = sessionEmpID
	return c
}

func newClient(hub *Hub, peer Peer, buffer int) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Hub:      hub,
		peer:     peer,
		send:     make(chan []byte, buffer),
		channels: make(map[string]struct{}),
	}
	c.alive.Store(true)
	return c
}

func (c *Client) Identity() Identity {
	c.idMu.RLock()
	defer c.idMu.RUnlock()
	return c.id
}

func (c *Client) setIdentity(id Identity) {
	c.idMu.Lock()
	c.id = id
	c.idMu.Unlock()
}

// MarkAlive records a pong.
func (c *Client) MarkAlive() {
	c.alive.Store(true)
}

// enqueue hands a frame to the write pump without blocking. A full buffer or a
// closed client drops the frame.
func (c *Client) enqueue(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) shutdown() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ReadPump pumps frames from the websocket connection to the router. It
// returns when the connection dies, after unregistering the client.
func (c *Client) ReadPump(ctx context.Context, router *Router, cfg PumpConfig) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(cfg.MaxMessageSize)

	// Backstop for peers that vanish without a TCP reset; the hub sweep is
	// the primary liveness check.
	c.Conn.SetReadDeadline(time.Now().Add(cfg.readWait()))
	c.Conn.SetPongHandler(func(string) error {
		c.MarkAlive()
		return c.Conn.SetReadDeadline(time.Now().Add(cfg.readWait()))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				router.log.Debug("websocket closed unexpectedly", zap.String("client", c.ID), zap.Error(err))
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(cfg.readWait()))
		router.Handle(ctx, c, message)
	}
}

// WritePump pumps frames from the send buffer to the websocket connection.
func (c *Client) WritePump(cfg PumpConfig) {
	defer c.Conn.Close()

	for message := range c.send {
		c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}

	// The hub closed the channel.
	c.Conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
	c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}

type PumpConfig struct {
	WriteWait        time.Duration
	MaxMessageSize   int64
	LivenessInterval time.Duration
}

func (p PumpConfig) readWait() time.Duration {
	return 2*p.LivenessInterval + p.WriteWait
}
