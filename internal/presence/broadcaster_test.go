package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaychat/presence/internal/protocol"
)

type fakeRoster struct {
	mu      sync.Mutex
	entries []protocol.RosterEntry
	sent    [][]byte
}

func (r *fakeRoster) set(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
	for _, id := range ids {
		r.entries = append(r.entries, protocol.NewRosterEntry(id, "name-"+id))
	}
}

func (r *fakeRoster) Snapshot() []protocol.RosterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.RosterEntry(nil), r.entries...)
}

func (r *fakeRoster) Broadcast(payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, payload)
	return len(r.entries)
}

func (r *fakeRoster) last(t *testing.T) []string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.sent)
	return decode(t, r.sent[len(r.sent)-1])
}

func (r *fakeRoster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func decode(t *testing.T, payload []byte) []string {
	t.Helper()
	var msg protocol.PresenceMsg
	require.NoError(t, json.Unmarshal(payload, &msg))
	ids := make([]string, 0, len(msg.Online))
	for _, e := range msg.Online {
		if e.UserID == nil {
			ids = append(ids, "")
			continue
		}
		ids = append(ids, *e.UserID)
	}
	return ids
}

type fakeEvents struct {
	mu  sync.Mutex
	got [][]protocol.RosterEntry
	err error
}

func (e *fakeEvents) PublishPresence(entries []protocol.RosterEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.got = append(e.got, entries)
	return e.err
}

func TestPublishNow(t *testing.T) {
	roster := &fakeRoster{}
	roster.set("u1", "u2")
	events := &fakeEvents{}
	b := NewBroadcaster(roster, events)

	assert.Equal(t, 2, b.PublishNow())
	assert.Equal(t, []string{"u1", "u2"}, roster.last(t))
	require.Len(t, events.got, 1)
	assert.Len(t, events.got[0], 2)
}

func TestPublishNowEmptyRoster(t *testing.T) {
	roster := &fakeRoster{}
	b := NewBroadcaster(roster, nil)

	b.PublishNow()
	roster.mu.Lock()
	defer roster.mu.Unlock()
	assert.JSONEq(t, `{"online":[]}`, string(roster.sent[0]))
}

func TestPublishEventErrorIgnored(t *testing.T) {
	roster := &fakeRoster{}
	roster.set("u1")
	b := NewBroadcaster(roster, &fakeEvents{err: errors.New("nats down")})

	assert.Equal(t, 1, b.PublishNow())
	assert.Equal(t, 1, roster.count())
}

func TestRunBroadcastsLatestState(t *testing.T) {
	roster := &fakeRoster{}
	b := NewBroadcaster(roster, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// a burst of changes may be coalesced, but the final state is always sent
	for i := 1; i <= 20; i++ {
		ids := make([]string, i)
		for j := range ids {
			ids[j] = string(rune('a' + j))
		}
		roster.set(ids...)
		b.Publish()
	}

	want := []string{}
	for j := 0; j < 20; j++ {
		want = append(want, string(rune('a'+j)))
	}
	assert.Eventually(t, func() bool {
		roster.mu.Lock()
		defer roster.mu.Unlock()
		if len(roster.sent) == 0 {
			return false
		}
		var msg protocol.PresenceMsg
		if err := json.Unmarshal(roster.sent[len(roster.sent)-1], &msg); err != nil {
			return false
		}
		return len(msg.Online) == len(want)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, roster.last(t))
	assert.LessOrEqual(t, roster.count(), 20)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroadcaster(&fakeRoster{}, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked without a running publisher")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	b := NewBroadcaster(&fakeRoster{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
