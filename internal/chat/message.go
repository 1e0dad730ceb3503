// Package chat holds the persisted message model and the store interfaces the
// relay and the history endpoint depend on.
package chat

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyMessage is returned when a message has neither text nor a file
// reference, or lacks a sender or recipient.
var ErrEmptyMessage = errors.New("chat: message needs sender, recipient and text or file")

// Message is a persisted chat message. It is immutable once created.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text,omitempty"`
	File      *string   `json:"file"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage is the input to MessageStore.Create. ID and CreatedAt are
// assigned by the store.
type NewMessage struct {
	Sender    string
	Recipient string
	Text      string
	File      *string
}

// Validate checks the creation invariant shared by every store.
func (m NewMessage) Validate() error {
	if m.Sender == "" || m.Recipient == "" {
		return ErrEmptyMessage
	}
	if m.Text == "" && (m.File == nil || *m.File == "") {
		return ErrEmptyMessage
	}
	return nil
}

// MessageStore persists one message at a time.
type MessageStore interface {
	Create(ctx context.Context, m NewMessage) (*Message, error)
}

// HistoryStore returns the conversation between two users, oldest first.
type HistoryStore interface {
	Query(ctx context.Context, userA, userB string) ([]Message, error)
}
