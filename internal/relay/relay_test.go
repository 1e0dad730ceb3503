package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/chat"
	"github.com/relaychat/presence/internal/protocol"
)

type sent struct {
	userID  string
	payload []byte
}

type fakeDeliverer struct {
	mu     sync.Mutex
	online map[string]int
	sent   []sent
}

func (d *fakeDeliverer) SendToRecipient(userID string, payload []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.online[userID]
	if n > 0 {
		d.sent = append(d.sent, sent{userID: userID, payload: payload})
	}
	return n
}

type fakeFiles struct {
	err      error
	reserved string // returned with err, like a failed content store write
	calls    int
}

func (f *fakeFiles) Store(_ context.Context, name, _ string) (string, error) {
	f.calls++
	if f.err != nil {
		return f.reserved, f.err
	}
	return "1700000000000-1.png", nil
}

type failingStore struct{}

func (failingStore) Create(context.Context, chat.NewMessage) (*chat.Message, error) {
	return nil, errors.New("disk full")
}

type fakeLimiter struct {
	messages, uploads bool
}

func (l fakeLimiter) AllowMessage(context.Context, string) bool { return l.messages }
func (l fakeLimiter) AllowUpload(context.Context, string) bool  { return l.uploads }

type fakeEvents struct {
	got []*chat.Message
}

func (e *fakeEvents) PublishMessage(m *chat.Message) error {
	e.got = append(e.got, m)
	return nil
}

var alice = &auth.Identity{UserID: "u1", Username: "alice"}

func newTestRelay(opts ...Option) (*Relay, *chat.MemoryStore, *fakeFiles, *fakeDeliverer) {
	store := chat.NewMemoryStore()
	files := &fakeFiles{}
	out := &fakeDeliverer{online: map[string]int{"u2": 1}}
	return New(store, files, out, opts...), store, files, out
}

func TestHandleTextDelivered(t *testing.T) {
	events := &fakeEvents{}
	r, store, _, out := newTestRelay(WithEvents(events))

	msg, err := r.Handle(context.Background(), alice, protocol.ChatFrame{Recipient: "u2", Text: "hello"})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "u1", msg.Sender)
	assert.Equal(t, "u2", msg.Recipient)
	assert.Nil(t, msg.File)
	assert.Equal(t, 1, store.Len())

	require.Len(t, out.sent, 1)
	assert.Equal(t, "u2", out.sent[0].userID)

	var got protocol.DeliveredMsg
	require.NoError(t, json.Unmarshal(out.sent[0].payload, &got))
	assert.Equal(t, protocol.DeliveredMsg{Text: "hello", Sender: "u1", Recipient: "u2", ID: msg.ID}, got)

	require.Len(t, events.got, 1)
	assert.Equal(t, msg.ID, events.got[0].ID)
}

func TestHandleRecipientOffline(t *testing.T) {
	r, store, _, out := newTestRelay()

	msg, err := r.Handle(context.Background(), alice, protocol.ChatFrame{Recipient: "nobody", Text: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, 1, store.Len(), "offline recipients still get history")
	assert.Empty(t, out.sent)
}

func TestHandleDropsInvalid(t *testing.T) {
	tests := map[string]protocol.ChatFrame{
		"empty":        {},
		"no recipient": {Text: "hi"},
		"no content":   {Recipient: "u2"},
		"file no data": {Recipient: "u2", File: &protocol.FilePayload{Name: "a.png"}},
		"file no name": {Recipient: "u2", File: &protocol.FilePayload{Data: "data:,AA=="}},
		"bad utf8":     {Recipient: "u2", Text: "\xff\xfe"},
	}

	for name, frame := range tests {
		t.Run(name, func(t *testing.T) {
			r, store, files, out := newTestRelay()

			msg, err := r.Handle(context.Background(), alice, frame)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Nil(t, msg)
			assert.Zero(t, store.Len())
			assert.Zero(t, files.calls)
			assert.Empty(t, out.sent)
		})
	}
}

func TestHandleAnonymousSender(t *testing.T) {
	r, store, _, out := newTestRelay()

	_, err := r.Handle(context.Background(), nil, protocol.ChatFrame{Recipient: "u2", Text: "hi"})
	assert.ErrorIs(t, err, ErrAnonymousSender)
	assert.Zero(t, store.Len())
	assert.Empty(t, out.sent)
}

func TestHandleFile(t *testing.T) {
	r, _, files, out := newTestRelay()

	msg, err := r.Handle(context.Background(), alice, protocol.ChatFrame{
		Recipient: "u2",
		File:      &protocol.FilePayload{Name: "cat.png", Data: "data:image/png;base64,iVBORw0KGgo="},
	})
	require.NoError(t, err)
	require.NotNil(t, msg.File)
	assert.Equal(t, "1700000000000-1.png", *msg.File)
	assert.Empty(t, msg.Text)
	assert.Equal(t, 1, files.calls)

	var got map[string]any
	require.Len(t, out.sent, 1)
	require.NoError(t, json.Unmarshal(out.sent[0].payload, &got))
	assert.Equal(t, "1700000000000-1.png", got["file"])
	assert.NotContains(t, got, "text")
}

func TestHandleFileFailure(t *testing.T) {
	t.Run("text survives undecodable file", func(t *testing.T) {
		r, store, files, out := newTestRelay()
		files.err = errors.New("malformed data url")

		msg, err := r.Handle(context.Background(), alice, protocol.ChatFrame{
			Recipient: "u2",
			Text:      "see attached",
			File:      &protocol.FilePayload{Name: "a.txt", Data: "garbage"},
		})
		require.NoError(t, err)
		assert.Nil(t, msg.File)
		assert.Equal(t, "see attached", msg.Text)
		assert.Equal(t, 1, store.Len())
		assert.Len(t, out.sent, 1)
	})

	t.Run("undecodable file only is dropped", func(t *testing.T) {
		r, store, files, out := newTestRelay()
		files.err = errors.New("malformed data url")

		_, err := r.Handle(context.Background(), alice, protocol.ChatFrame{
			Recipient: "u2",
			File:      &protocol.FilePayload{Name: "a.txt", Data: "garbage"},
		})
		assert.ErrorIs(t, err, ErrValidation)
		assert.Zero(t, store.Len())
		assert.Empty(t, out.sent)
	})

	t.Run("write failure keeps the reserved name", func(t *testing.T) {
		r, store, files, out := newTestRelay()
		files.err = errors.New("disk full")
		files.reserved = "1700000000000-7.txt"

		msg, err := r.Handle(context.Background(), alice, protocol.ChatFrame{
			Recipient: "u2",
			File:      &protocol.FilePayload{Name: "a.txt", Data: "data:,aGk="},
		})
		require.NoError(t, err)
		require.NotNil(t, msg.File)
		assert.Equal(t, "1700000000000-7.txt", *msg.File)
		assert.Equal(t, 1, store.Len())

		require.Len(t, out.sent, 1)
		var got map[string]any
		require.NoError(t, json.Unmarshal(out.sent[0].payload, &got))
		assert.Equal(t, "1700000000000-7.txt", got["file"])
	})

	t.Run("write failure with text keeps both", func(t *testing.T) {
		r, store, files, out := newTestRelay()
		files.err = errors.New("disk full")
		files.reserved = "1700000000000-8.txt"

		msg, err := r.Handle(context.Background(), alice, protocol.ChatFrame{
			Recipient: "u2",
			Text:      "see attached",
			File:      &protocol.FilePayload{Name: "a.txt", Data: "data:,aGk="},
		})
		require.NoError(t, err)
		require.NotNil(t, msg.File)
		assert.Equal(t, "1700000000000-8.txt", *msg.File)
		assert.Equal(t, "see attached", msg.Text)
		assert.Equal(t, 1, store.Len())
		assert.Len(t, out.sent, 1)
	})
}

func TestHandleStorageFailure(t *testing.T) {
	out := &fakeDeliverer{online: map[string]int{"u2": 1}}
	r := New(failingStore{}, &fakeFiles{}, out)

	msg, err := r.Handle(context.Background(), alice, protocol.ChatFrame{Recipient: "u2", Text: "hi"})
	assert.ErrorIs(t, err, ErrStorage)
	assert.Nil(t, msg)
	assert.Empty(t, out.sent, "unpersisted messages are never delivered")
}

func TestHandleRateLimited(t *testing.T) {
	t.Run("messages", func(t *testing.T) {
		r, store, _, _ := newTestRelay(WithRateLimiter(fakeLimiter{messages: false, uploads: true}))
		_, err := r.Handle(context.Background(), alice, protocol.ChatFrame{Recipient: "u2", Text: "hi"})
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.Zero(t, store.Len())
	})

	t.Run("uploads", func(t *testing.T) {
		r, store, files, _ := newTestRelay(WithRateLimiter(fakeLimiter{messages: true, uploads: false}))

		_, err := r.Handle(context.Background(), alice, protocol.ChatFrame{Recipient: "u2", Text: "hi"})
		require.NoError(t, err, "text-only frames do not count as uploads")

		_, err = r.Handle(context.Background(), alice, protocol.ChatFrame{
			Recipient: "u2",
			File:      &protocol.FilePayload{Name: "a.png", Data: "data:,AA=="},
		})
		assert.ErrorIs(t, err, ErrRateLimited)
		assert.Zero(t, files.calls)
		assert.Equal(t, 1, store.Len())
	})
}

func TestHandleConcurrentSenders(t *testing.T) {
	r, store, _, out := newTestRelay()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Handle(context.Background(), alice, protocol.ChatFrame{Recipient: "u2", Text: "x"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, store.Len())
	assert.Len(t, out.sent, 50)
}
