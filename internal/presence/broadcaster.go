// Package presence pushes the live roster to every connected client whenever
// registry membership changes.
package presence

import (
	"context"
	"log"
	"sync"

	"github.com/relaychat/presence/internal/metrics"
	"github.com/relaychat/presence/internal/protocol"
)

// Roster is the registry view the broadcaster needs.
type Roster interface {
	Snapshot() []protocol.RosterEntry
	Broadcast(payload []byte) int
}

// EventPublisher forwards roster changes to other services.
type EventPublisher interface {
	PublishPresence(entries []protocol.RosterEntry) error
}

// Broadcaster sends {"online":[...]} to every connection. Triggers that
// arrive while a broadcast is pending are folded into it; the snapshot is
// always taken after the latest trigger, so the last membership change is
// always the one clients end up seeing.
type Broadcaster struct {
	roster Roster
	events EventPublisher
	dirty  chan struct{}
	mu     sync.Mutex
}

// NewBroadcaster creates a Broadcaster over roster. events may be nil.
func NewBroadcaster(roster Roster, events EventPublisher) *Broadcaster {
	return &Broadcaster{
		roster: roster,
		events: events,
		dirty:  make(chan struct{}, 1),
	}
}

// Publish requests a roster broadcast. It never blocks.
func (b *Broadcaster) Publish() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

// Run services Publish requests until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.dirty:
			b.PublishNow()
		}
	}
}

// PublishNow snapshots the roster and broadcasts it synchronously. It
// returns the number of connections that received the frame.
//
// Broadcasts are serialized so clients see rosters in order. A peer that
// stops reading delays the next broadcast by at most one write timeout; the
// registry writes to the other connections concurrently, so they are not
// held behind it.
func (b *Broadcaster) PublishNow() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.roster.Snapshot()
	payload, err := protocol.NewPresenceMessage(entries)
	if err != nil {
		log.Printf("presence: encode roster: %v", err)
		return 0
	}

	sent := b.roster.Broadcast(payload)
	metrics.PresenceBroadcasts.Inc()

	if b.events != nil {
		if err := b.events.PublishPresence(entries); err != nil {
			log.Printf("presence: publish event: %v", err)
		}
	}
	return sent
}
