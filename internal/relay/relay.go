// Package relay validates inbound chat frames, stores their attachments,
// persists them and forwards them to the recipient's live connections.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/relaychat/presence/internal/auth"
	"github.com/relaychat/presence/internal/chat"
	"github.com/relaychat/presence/internal/metrics"
	"github.com/relaychat/presence/internal/protocol"
)

var (
	// ErrValidation is returned for frames missing a recipient or content.
	ErrValidation = errors.New("relay: invalid message")
	// ErrAnonymousSender is returned for frames from unauthenticated connections.
	ErrAnonymousSender = errors.New("relay: anonymous sender")
	// ErrRateLimited is returned when the sender exceeded a rate limit.
	ErrRateLimited = errors.New("relay: rate limited")
	// ErrStorage is returned when the message could not be persisted.
	ErrStorage = errors.New("relay: storage failure")
)

// Sideloader stores an attachment and returns its filename reference. On a
// failed write it returns the reserved name along with the error; payloads
// that cannot be decoded return no name.
type Sideloader interface {
	Store(ctx context.Context, originalName, dataURL string) (string, error)
}

// Deliverer writes a payload to every live connection of a user.
type Deliverer interface {
	SendToRecipient(userID string, payload []byte) int
}

// RateLimiter throttles senders.
type RateLimiter interface {
	AllowMessage(ctx context.Context, userID string) bool
	AllowUpload(ctx context.Context, userID string) bool
}

// EventPublisher forwards persisted messages to other services.
type EventPublisher interface {
	PublishMessage(msg *chat.Message) error
}

// Relay handles one chat frame at a time. It is safe for concurrent use;
// ordering per sender comes from the caller's read loop.
type Relay struct {
	store    chat.MessageStore
	files    Sideloader
	out      Deliverer
	limiter  RateLimiter
	events   EventPublisher
	validate *validator.Validate
}

// Option configures optional Relay collaborators.
type Option func(*Relay)

// WithRateLimiter enables per-sender rate limiting.
func WithRateLimiter(l RateLimiter) Option {
	return func(r *Relay) { r.limiter = l }
}

// WithEvents publishes every persisted message.
func WithEvents(p EventPublisher) Option {
	return func(r *Relay) { r.events = p }
}

// New creates a Relay.
func New(store chat.MessageStore, files Sideloader, out Deliverer, opts ...Option) *Relay {
	r := &Relay{
		store:    store,
		files:    files,
		out:      out,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle relays frame from sender. The returned message is the persisted
// record; on error nothing was delivered.
func (r *Relay) Handle(ctx context.Context, sender *auth.Identity, frame protocol.ChatFrame) (*chat.Message, error) {
	start := time.Now()

	if sender == nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return nil, ErrAnonymousSender
	}
	if err := r.check(frame); err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
		return nil, err
	}
	if !r.allow(ctx, sender.UserID, frame.File != nil) {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeLimited).Inc()
		return nil, ErrRateLimited
	}

	var file *string
	if frame.File != nil {
		name, err := r.files.Store(ctx, frame.File.Name, frame.File.Data)
		switch {
		case err == nil:
			file = &name
		case name != "":
			// The write failed after the name was reserved. The message
			// still goes out with its file reference.
			log.Printf("relay: attachment write failed user=%s file=%s: %v", sender.UserID, name, err)
			file = &name
		case frame.Text == "":
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
			return nil, fmt.Errorf("%w: attachment: %v", ErrValidation, err)
		default:
			log.Printf("relay: attachment dropped user=%s name=%q: %v", sender.UserID, frame.File.Name, err)
		}
	}

	msg, err := r.store.Create(ctx, chat.NewMessage{
		Sender:    sender.UserID,
		Recipient: frame.Recipient,
		Text:      frame.Text,
		File:      file,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	payload, err := protocol.Encode(protocol.DeliveredMsg{
		Text:      msg.Text,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		File:      msg.File,
		ID:        msg.ID,
	})
	if err != nil {
		return msg, err
	}

	outcome := metrics.OutcomeOffline
	if r.out.SendToRecipient(msg.Recipient, payload) > 0 {
		outcome = metrics.OutcomeDelivered
	}
	metrics.MessagesTotal.WithLabelValues(outcome).Inc()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())

	if r.events != nil {
		if err := r.events.PublishMessage(msg); err != nil {
			log.Printf("relay: publish event msg=%s: %v", msg.ID, err)
		}
	}
	return msg, nil
}

func (r *Relay) check(frame protocol.ChatFrame) error {
	if err := r.validate.Struct(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := chat.ValidateText(frame.Text); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (r *Relay) allow(ctx context.Context, userID string, upload bool) bool {
	if r.limiter == nil {
		return true
	}
	if !r.limiter.AllowMessage(ctx, userID) {
		return false
	}
	return !upload || r.limiter.AllowUpload(ctx, userID)
}
