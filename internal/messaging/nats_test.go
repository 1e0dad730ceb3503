package messaging

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/presence/internal/chat"
	"github.com/relaychat/presence/internal/protocol"
)

func newTestClient(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.Name = "test-server"
	cfg.MaxReconnects = 0
	c, err := NewNATSClient(cfg)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestPublishMessage(t *testing.T) {
	c := newTestClient(t)

	got := make(chan chat.Message, 1)
	require.NoError(t, c.SubscribeMessages("u2", func(m chat.Message) { got <- m }))
	require.NoError(t, c.Conn().Flush())

	require.NoError(t, c.PublishMessage(&chat.Message{
		ID:        "m1",
		Sender:    "u1",
		Recipient: "u2",
		Text:      "hi",
		CreatedAt: time.Now().UTC(),
	}))

	select {
	case m := <-got:
		assert.Equal(t, "m1", m.ID)
		assert.Equal(t, "u1", m.Sender)
		assert.Equal(t, "hi", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("message event not received")
	}
}

func TestPublishPresence(t *testing.T) {
	c := newTestClient(t)

	got := make(chan *nats.Msg, 1)
	require.NoError(t, c.Subscribe(SubjectPresence, func(m *nats.Msg) { got <- m }))
	require.NoError(t, c.Conn().Flush())

	require.NoError(t, c.PublishPresence([]protocol.RosterEntry{
		protocol.NewRosterEntry("u1", "alice"),
		{},
	}))

	select {
	case m := <-got:
		var ev PresenceEvent
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		assert.Equal(t, "test-server", ev.Server)
		require.Len(t, ev.Online, 2)
		assert.Equal(t, "u1", *ev.Online[0].UserID)
		assert.Nil(t, ev.Online[1].UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("presence event not received")
	}
}

func TestUnsubscribeUnknown(t *testing.T) {
	c := newTestClient(t)
	assert.Error(t, c.Unsubscribe("chat.nothing"))
}
