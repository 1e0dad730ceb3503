package ws

import (
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/relaychat/presence/internal/auth"
)

// Connection is one live WebSocket session. Its identity is fixed at
// admission; writes are serialized by writeMu so application frames and
// heartbeat pings never interleave on the wire.
type Connection struct {
	ID           string    // connection id (UUID)
	Conn         net.Conn  // underlying TCP connection
	CreatedAt    time.Time // when the transport was accepted
	RemoteAddr   string
	WriteTimeout time.Duration

	identity *auth.Identity // nil for anonymous connections
	seq      uint64         // admission order, assigned by the registry
	liveness *Monitor
	writeMu  sync.Mutex
	closeMu  sync.Once
}

// NewConnection wraps an upgraded transport.
func NewConnection(id string, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    time.Now(),
		WriteTimeout: writeTimeout,
	}
	if addr := conn.RemoteAddr(); addr != nil {
		c.RemoteAddr = addr.String()
	}
	return c
}

// Identity returns the resolved identity, or nil for an anonymous
// connection.
func (c *Connection) Identity() *auth.Identity {
	return c.identity
}

// UserID returns the resolved user id, or "" for an anonymous connection.
func (c *Connection) UserID() string {
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

// Liveness returns the connection's heartbeat monitor, nil before admission.
func (c *Connection) Liveness() *Monitor {
	return c.liveness
}

// WriteMessage sends a WebSocket text frame.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteFrame sends a single prepared frame, used for control frames.
func (c *Connection) WriteFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	defer c.clearWriteDeadline()
	return ws.WriteFrame(c.Conn, f)
}

// WritePing sends a protocol-level ping frame (opcode 0x9). Browsers answer
// it with a pong automatically.
func (c *Connection) WritePing() error {
	return c.WriteFrame(ws.NewPingFrame(nil))
}

// Close closes the underlying network connection once.
func (c *Connection) Close() error {
	var err error
	c.closeMu.Do(func() {
		err = c.Conn.Close()
	})
	return err
}

func (c *Connection) setWriteDeadline() {
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
}

func (c *Connection) clearWriteDeadline() {
	if c.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Time{})
	}
}
