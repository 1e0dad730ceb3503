package ws

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/chat"
	"github.com/relaychat/presence/internal/protocol"
	"github.com/relaychat/presence/internal/relay"
)

// MessageRelay handles chat frames. *relay.Relay implements it.
type MessageRelay interface {
	Handle(ctx context.Context, sender *auth.Identity, frame protocol.ChatFrame) (*chat.Message, error)
}

// MessageDispatcher routes decoded client frames. Application pings are
// answered inline; chat frames go to the relay. Dropped frames are logged
// and never close the connection.
type MessageDispatcher struct {
	relay   MessageRelay
	timeout time.Duration
}

// NewMessageDispatcher creates a dispatcher. timeout bounds one relay call,
// including storage.
func NewMessageDispatcher(relay MessageRelay, timeout time.Duration) *MessageDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MessageDispatcher{relay: relay, timeout: timeout}
}

// Dispatch parses data and handles it on behalf of conn. It returns an error
// only when the connection itself failed and should be removed.
func (d *MessageDispatcher) Dispatch(ctx context.Context, conn *Connection, data []byte) error {
	frame, err := protocol.ParseClientFrame(data)
	if err != nil {
		log.Printf("ws: dropped frame conn=%s user=%s: %v", conn.ID, conn.UserID(), err)
		return nil
	}

	switch f := frame.(type) {
	case protocol.PingFrame:
		return d.sendPong(conn)
	case protocol.ChatFrame:
		d.relayChat(ctx, conn, f)
	}
	return nil
}

func (d *MessageDispatcher) relayChat(ctx context.Context, conn *Connection, f protocol.ChatFrame) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	msg, err := d.relay.Handle(ctx, conn.Identity(), f)
	switch {
	case err == nil:
		log.Printf("ws: relayed msg=%s from=%s to=%s", msg.ID, msg.Sender, msg.Recipient)
	case errors.Is(err, relay.ErrStorage):
		log.Printf("ws: relay failed conn=%s user=%s: %v", conn.ID, conn.UserID(), err)
	default:
		log.Printf("ws: dropped message conn=%s user=%s: %v", conn.ID, conn.UserID(), err)
	}
}

func (d *MessageDispatcher) sendPong(conn *Connection) error {
	data, err := protocol.NewPongMessage()
	if err != nil {
		log.Printf("ws: failed to build pong conn=%s: %v", conn.ID, err)
		return nil
	}
	return conn.WriteMessage(data)
}
