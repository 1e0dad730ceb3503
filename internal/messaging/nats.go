// Package messaging publishes relay events to NATS so that other services can
// follow chat traffic and presence without holding WebSocket connections.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/relaychat/presence/internal/chat"
	"github.com/relaychat/presence/internal/protocol"
)

// NATS subjects.
const (
	SubjectMessage  = "chat.message"  // + .<recipient user id>
	SubjectPresence = "chat.presence" // full roster after every change
)

// PresenceEvent is the payload published on SubjectPresence.
type PresenceEvent struct {
	Server string                 `json:"server"`
	Online []protocol.RosterEntry `json:"online"`
	Ts     int64                  `json:"ts"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	server string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name, also stamped on presence events
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "chatserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())
	return newClient(nc, config.Name), nil
}

func newClient(nc *nats.Conn, server string) *NATSClient {
	return &NATSClient{
		conn:   nc,
		server: server,
		subs:   make(map[string]*nats.Subscription),
	}
}

// Conn exposes the underlying connection, used to open JetStream.
func (c *NATSClient) Conn() *nats.Conn {
	return c.conn
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishMessage publishes a persisted message on chat.message.<recipient>.
func (c *NATSClient) PublishMessage(msg *chat.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nats: encode message %s: %w", msg.ID, err)
	}
	return c.Publish(SubjectMessage+"."+msg.Recipient, data)
}

// PublishPresence publishes the current roster on chat.presence.
func (c *NATSClient) PublishPresence(entries []protocol.RosterEntry) error {
	if entries == nil {
		entries = []protocol.RosterEntry{}
	}
	data, err := json.Marshal(PresenceEvent{
		Server: c.server,
		Online: entries,
		Ts:     time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("nats: encode presence: %w", err)
	}
	return c.Publish(SubjectPresence, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// SubscribeMessages delivers every message event addressed to recipient.
// Pass "*" to follow all recipients.
func (c *NATSClient) SubscribeMessages(recipient string, handler func(msg chat.Message)) error {
	return c.Subscribe(SubjectMessage+"."+recipient, func(m *nats.Msg) {
		var msg chat.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			log.Printf("[nats] bad message event on %s: %v", m.Subject, err)
			return
		}
		handler(msg)
	})
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
