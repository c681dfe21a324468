// Package protocol defines the wire vocabulary spoken over a relay
// connection: the client frames the server accepts and the server frames it
// pushes back. Frames are JSON envelopes with an event name and a payload.
package protocol

import (
	"encoding/json"
	"time"
)

// Client -> server events.
const (
	EventJoinRoom    = "join_room"
	EventLeaveRoom   = "leave_room"
	EventSendMessage = "send_message"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventSetPresence = "set_presence"
)

// Server -> client events.
const (
	EventMessageDelivered   = "message_delivered"
	EventPresenceChanged    = "presence_changed"
	EventTypingStateChanged = "typing_state_changed"
	EventOperationFailed    = "operation_failed"
	EventDisconnected       = "disconnected"
)

// Failure codes carried by operation_failed frames.
const (
	CodeAuthRejected  = "auth_rejected"
	CodeNotAMember    = "not_a_member"
	CodeNotSubscribed = "not_subscribed"
	CodeValidation    = "validation_error"
	CodePersistence   = "persistence_error"
	CodeBadFrame      = "bad_frame"
	CodeUnknownEvent  = "unknown_event"
)

// ClientFrame is the envelope for every inbound frame.
type ClientFrame struct {
	Event   string          `json:"event"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is the envelope for every outbound frame.
type ServerFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// SendMessagePayload is the payload of a send_message frame.
type SendMessagePayload struct {
	Kind    Kind            `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// SetPresencePayload carries an explicit availability change.
type SetPresencePayload struct {
	State string `json:"state"`
}

type MessageDelivered struct {
	ID      string          `json:"id"`
	Room    string          `json:"room"`
	Sender  string          `json:"sender"`
	Kind    Kind            `json:"kind"`
	Content json.RawMessage `json:"content"`
	Seq     int64           `json:"seq"`
	SentAt  time.Time       `json:"sentAt"`
}

type PresenceChanged struct {
	User     string     `json:"user"`
	State    string     `json:"state"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type TypingStateChanged struct {
	Room      string    `json:"room"`
	User      string    `json:"user"`
	IsTyping  bool      `json:"isTyping"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type OperationFailed struct {
	Code    string `json:"code"`
	Context string `json:"context,omitempty"`
}

type Disconnected struct {
	Reason string `json:"reason"`
}

// Encode marshals a server frame for transmission. Marshaling can only fail
// on payload types this package does not produce, so failures are programmer
// errors and reported as such.
func Encode(event string, payload any) ([]byte, error) {
	return json.Marshal(ServerFrame{Event: event, Payload: payload})
}
