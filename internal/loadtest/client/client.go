// Package client is a simulated chat user for load and smoke testing. It
// connects with a signed token cookie, tracks the live roster, answers
// server pings the way a browser does and times message delivery.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/protocol"
)

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	RosterUpdates    int
	PingsAnswered    int
	Errors           int
}

// Client is one simulated user connection.
type Client struct {
	conn   net.Conn
	rd     io.Reader
	userID string

	wmu sync.Mutex // serializes frame writes

	mu        sync.Mutex
	metrics   Metrics
	online    map[string]bool
	onMessage func(protocol.DeliveredMsg)

	rosterSignal chan struct{}
	done         chan struct{}
	closing      atomic.Bool
	closeOnce    sync.Once
}

// Dial connects to url as the user in token. userID is only used for
// bookkeeping and should match the token's claims.
func Dial(ctx context.Context, url, token, userID string) (*Client, error) {
	start := time.Now()
	d := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Cookie": []string{auth.CookieName + "=" + token},
		}),
	}
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:         conn,
		rd:           conn,
		userID:       userID,
		online:       make(map[string]bool),
		rosterSignal: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if br != nil {
		c.rd = io.MultiReader(br, conn)
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// UserID returns the user this client is connected as.
func (c *Client) UserID() string {
	return c.userID
}

// OnMessage registers the handler for delivered chat messages. It must be
// set before messages are expected and must not block.
func (c *Client) OnMessage(fn func(protocol.DeliveredMsg)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

// Send relays text to recipient.
func (c *Client) Send(recipient, text string) error {
	data, err := json.Marshal(protocol.ChatFrame{Recipient: recipient, Text: text})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.wmu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.wmu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	return err
}

// WaitOnline blocks until userID appears in the roster, the connection closes
// or ctx is done.
func (c *Client) WaitOnline(ctx context.Context, userID string) error {
	return c.waitRoster(ctx, func(online map[string]bool) bool { return online[userID] })
}

// WaitOffline blocks until userID is absent from the roster.
func (c *Client) WaitOffline(ctx context.Context, userID string) error {
	return c.waitRoster(ctx, func(online map[string]bool) bool { return !online[userID] })
}

func (c *Client) waitRoster(ctx context.Context, cond func(map[string]bool) bool) error {
	for {
		c.mu.Lock()
		ok := cond(c.online)
		c.mu.Unlock()
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed")
		case <-c.rosterSignal:
		}
	}
}

// Online returns how many identified users the latest roster listed.
func (c *Client) Online() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.online)
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Close closes the connection. It is safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer c.closeOnce.Do(func() { c.conn.Close() })

	rd := &wsutil.Reader{Source: c.rd, State: ws.StateClientSide, CheckUTF8: true}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			c.fail()
			return
		}
		payload, err := io.ReadAll(rd)
		if err != nil {
			c.fail()
			return
		}

		switch hdr.OpCode {
		case ws.OpPing:
			c.wmu.Lock()
			err = ws.WriteFrame(c.conn, ws.MaskFrame(ws.NewPongFrame(payload)))
			c.wmu.Unlock()
			if err != nil {
				c.fail()
				return
			}
			c.mu.Lock()
			c.metrics.PingsAnswered++
			c.mu.Unlock()
		case ws.OpClose:
			return
		case ws.OpText:
			c.handle(payload)
		}
	}
}

func (c *Client) handle(data []byte) {
	var frame struct {
		Online *[]protocol.RosterEntry `json:"online"`
		protocol.DeliveredMsg
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}

	if frame.Online != nil {
		online := make(map[string]bool, len(*frame.Online))
		for _, e := range *frame.Online {
			if e.UserID != nil {
				online[*e.UserID] = true
			}
		}
		c.mu.Lock()
		c.online = online
		c.metrics.RosterUpdates++
		c.mu.Unlock()

		select {
		case c.rosterSignal <- struct{}{}:
		default:
		}
		return
	}

	if frame.ID == "" {
		return
	}
	c.mu.Lock()
	c.metrics.MessagesReceived++
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(frame.DeliveredMsg)
	}
}

// fail counts an unexpected disconnect. Reads after Close are not errors.
func (c *Client) fail() {
	if c.closing.Load() {
		return
	}
	c.mu.Lock()
	c.metrics.Errors++
	c.mu.Unlock()
}
