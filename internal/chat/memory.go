package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process MessageStore and HistoryStore. It backs the
// server when no database is configured and is used throughout the tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Create validates and appends a message, assigning a UUID and timestamp.
func (s *MemoryStore) Create(ctx context.Context, m NewMessage) (*Message, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	msg := Message{
		ID:        uuid.New().String(),
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Text:      m.Text,
		File:      copyString(m.File),
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	out := msg
	out.File = copyString(msg.File)
	return &out, nil
}

// Query returns every message exchanged between userA and userB in either
// direction, ordered by creation time.
func (s *MemoryStore) Query(ctx context.Context, userA, userB string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := func(id string) bool { return id == userA || id == userB }

	s.mu.RLock()
	result := make([]Message, 0)
	for _, m := range s.messages {
		if in(m.Sender) && in(m.Recipient) {
			m.File = copyString(m.File)
			result = append(result, m)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
