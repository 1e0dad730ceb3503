// Package protocol defines the JSON frames exchanged over the chat WebSocket.
// Inbound frames are decoded into a closed set of ClientFrame kinds at the
// boundary so handlers never see untyped payloads.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame type discriminators. Chat frames are sent without a "type"
// key by existing clients, so an absent type means a chat message.
const (
	TypeMessage = "message"
	TypePing    = "ping"
	TypePong    = "pong"
)

// ErrMalformedPayload is returned for frames that are not a JSON object of a
// known kind. Such frames are dropped and the connection stays open.
var ErrMalformedPayload = errors.New("protocol: malformed payload")

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// ClientFrame is implemented by every inbound frame kind.
type ClientFrame interface {
	clientFrame()
}

// FilePayload is an attachment embedded in a chat frame. Data is a data URL
// ("data:<mime>;base64,<body>").
type FilePayload struct {
	Name string `json:"name" validate:"required"`
	Data string `json:"data" validate:"required"`
}

// ChatFrame is a chat message addressed to a single recipient.
type ChatFrame struct {
	Recipient string       `json:"recipient" validate:"required"`
	Text      string       `json:"text,omitempty" validate:"required_without=File"`
	File      *FilePayload `json:"file,omitempty" validate:"required_without=Text"`
}

// PingFrame is an application-level keepalive answered with a pong frame.
type PingFrame struct{}

func (ChatFrame) clientFrame() {}
func (PingFrame) clientFrame() {}

// ParseClientFrame decodes raw WebSocket text into a typed frame. Shape
// validation of chat frames is left to the relay; this only rejects data that
// cannot be a frame at all.
func ParseClientFrame(data []byte) (ClientFrame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}

	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch env.Type {
	case "", TypeMessage:
		var f ChatFrame
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("%w: chat frame: %v", ErrMalformedPayload, err)
		}
		return f, nil
	case TypePing:
		return PingFrame{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrMalformedPayload, env.Type)
	}
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// RosterEntry is one connection in the presence roster. Anonymous
// connections are listed with null fields.
type RosterEntry struct {
	UserID   *string `json:"userId"`
	Username *string `json:"username"`
}

// NewRosterEntry builds an entry for an identified connection.
func NewRosterEntry(userID, username string) RosterEntry {
	return RosterEntry{UserID: &userID, Username: &username}
}

// PresenceMsg carries the full roster of connected users.
type PresenceMsg struct {
	Online []RosterEntry `json:"online"`
}

// DeliveredMsg is a persisted chat message forwarded to its recipient.
type DeliveredMsg struct {
	Text      string  `json:"text,omitempty"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
	File      *string `json:"file"`
	ID        string  `json:"id"`
}

// PongMsg answers a PingFrame.
type PongMsg struct {
	Type string `json:"type"`
}

// NewPresenceMessage encodes the roster frame. A nil roster is sent as an
// empty list.
func NewPresenceMessage(entries []RosterEntry) ([]byte, error) {
	if entries == nil {
		entries = []RosterEntry{}
	}
	return Encode(PresenceMsg{Online: entries})
}

// NewPongMessage encodes the reply to an application ping.
func NewPongMessage() ([]byte, error) {
	return Encode(PongMsg{Type: TypePong})
}

// Encode marshals a server frame.
func Encode(v any) ([]byte, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %T: %w", v, err)
	}
	return out, nil
}
