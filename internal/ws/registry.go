package ws

import (
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/protocol"
)

// maxDeliverWorkers bounds the concurrent socket writes of one broadcast.
const maxDeliverWorkers = 64

// Registry is the set of admitted connections. Membership changes take the
// write lock; snapshot, send and broadcast copy the membership under the read
// lock and write to sockets after releasing it.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	nextSeq uint64

	onChange func()            // membership changed; drives presence
	onRemove func(*Connection) // connection left; runs once per connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Connection)}
}

// SetOnChange registers the callback fired after every admit and every
// effective remove. It must be set before connections are admitted.
func (r *Registry) SetOnChange(fn func()) {
	r.onChange = fn
}

// SetOnRemove registers the callback fired once for each removed connection,
// after its transport is closed.
func (r *Registry) SetOnRemove(fn func(*Connection)) {
	r.onRemove = fn
}

// Admit tags c with id (nil for anonymous) and adds it to the registry.
// Admitting a connection that is already present is a no-op.
func (r *Registry) Admit(c *Connection, id *auth.Identity) {
	r.mu.Lock()
	if _, ok := r.conns[c.ID]; ok {
		r.mu.Unlock()
		return
	}
	if id != nil {
		tagged := *id
		c.identity = &tagged
	}
	r.nextSeq++
	c.seq = r.nextSeq
	r.conns[c.ID] = c
	r.mu.Unlock()

	r.changed()
}

// Remove drops c from the registry, cancels its heartbeat and closes its
// transport. It returns false if c was not admitted or was already removed,
// so concurrent callers (read loop, heartbeat, failed send) race safely.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	cur, ok := r.conns[c.ID]
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, c.ID)
	if c.liveness != nil {
		c.liveness.Stop()
	}
	r.mu.Unlock()

	c.Close()
	if r.onRemove != nil {
		r.onRemove(c)
	}
	r.changed()
	return true
}

// Count returns the number of admitted connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns the admitted connections in admission order. The slice is a
// copy and safe to use without the lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	conns := lo.Values(r.conns)
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].seq < conns[j].seq })
	return conns
}

// Snapshot returns the roster of every admitted connection in admission
// order. Anonymous connections appear with null fields.
func (r *Registry) Snapshot() []protocol.RosterEntry {
	return lo.Map(r.All(), func(c *Connection, _ int) protocol.RosterEntry {
		id := c.Identity()
		if id == nil {
			return protocol.RosterEntry{}
		}
		return protocol.NewRosterEntry(id.UserID, id.Username)
	})
}

// SendToRecipient writes payload to every admitted connection whose user id
// is userID and returns how many writes succeeded.
func (r *Registry) SendToRecipient(userID string, payload []byte) int {
	if userID == "" {
		return 0
	}
	targets := lo.Filter(r.All(), func(c *Connection, _ int) bool {
		return c.UserID() == userID
	})
	return r.deliver(targets, payload)
}

// Broadcast writes payload to every admitted connection and returns how many
// writes succeeded.
func (r *Registry) Broadcast(payload []byte) int {
	return r.deliver(r.All(), payload)
}

// deliver writes payload to each connection through at most
// maxDeliverWorkers concurrent writers, so one peer stalled until its write
// deadline does not hold up the others. A failed write never aborts the
// loop; the connection is removed in the background.
func (r *Registry) deliver(conns []*Connection, payload []byte) int {
	workers := min(len(conns), maxDeliverWorkers)
	if workers <= 1 {
		sent := 0
		for _, c := range conns {
			if r.write(c, payload) {
				sent++
			}
		}
		return sent
	}

	queue := make(chan *Connection)
	var sent atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range queue {
				if r.write(c, payload) {
					sent.Add(1)
				}
			}
		}()
	}
	for _, c := range conns {
		queue <- c
	}
	close(queue)
	wg.Wait()
	return int(sent.Load())
}

func (r *Registry) write(c *Connection, payload []byte) bool {
	if err := c.WriteMessage(payload); err != nil {
		log.Printf("ws: send failed conn=%s user=%s: %v", c.ID, c.UserID(), err)
		go r.Remove(c)
		return false
	}
	return true
}

func (r *Registry) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}
