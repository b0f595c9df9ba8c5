// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/whisper/chat-rooms/internal/store"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSendMessage = "send_message"
	TypeTypingStart = "typing_start" // also relayed server -> client
	TypeTypingStop  = "typing_stop"  // also relayed server -> client
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeRoomJoined     = "room_joined"
	TypeRoomLeft       = "room_left"
	TypeReceiveMessage = "receive_message"
	TypeMessageAck     = "message_ack"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeError          = "error"
	TypePong           = "pong"
)

// ErrUnknownType is returned by ParseClientMessage for a well-formed envelope
// whose type is not a client message type.
var ErrUnknownType = errors.New("protocol: unknown client message type")

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payloads
// ---------------------------------------------------------------------------

// Message is the wire form of a persisted chat message.
type Message struct {
	ID             int64     `json:"id"`
	RoomID         string    `json:"room_id"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username,omitempty"`
	Content        string    `json:"content"`
	Type           string    `json:"message_type"`
	ClientRef      string    `json:"client_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessage converts a stored message to its wire form.
func NewMessage(m store.Message) Message {
	return Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
		ClientRef: m.ClientRef,
		CreatedAt: m.CreatedAt,
	}
}

// NewMessages converts a slice of stored messages, never returning nil.
func NewMessages(ms []store.Message) []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, NewMessage(m))
	}
	return out
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg asks the server to add the connection to a room.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// LeaveRoomMsg asks the server to remove the connection from a room.
type LeaveRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// SendMessageMsg sends a message over the real-time channel. ClientRef is an
// opaque token echoed in the ack or error so the client can resolve its
// pending entry.
type SendMessageMsg struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	Content   string `json:"content"`
	ClientRef string `json:"client_ref,omitempty"`
}

// TypingMsg starts or stops the sender's typing indicator; the direction is
// carried by the type field.
type TypingMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the connection is registered.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username,omitempty"`
}

// RoomJoinedMsg acknowledges a join_room request.
type RoomJoinedMsg struct {
	Type      string            `json:"type"`
	RoomID    string            `json:"room_id"`
	Members   []string          `json:"members"`
	Usernames map[string]string `json:"usernames,omitempty"` // user_id -> display name
}

// RoomLeftMsg acknowledges a leave_room request.
type RoomLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// ReceiveMessageMsg delivers another member's message.
type ReceiveMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessageAckMsg confirms a send_message with the persisted message.
type MessageAckMsg struct {
	Type      string  `json:"type"`
	ClientRef string  `json:"client_ref,omitempty"`
	Message   Message `json:"message"`
}

// MemberMsg announces that a user joined or left a room.
type MemberMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// ServerTypingMsg relays another member's typing indicator.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition. RoomID
// and ClientRef identify the failed request when known.
type ErrorMsg struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RoomID    string `json:"room_id,omitempty"`
	ClientRef string `json:"client_ref,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveRoom:
		var m LeaveRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. Numbers are
// kept as json.Number so int64 message ids survive the round trip.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{})
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// PeekType returns the type discriminator of a server message without
// decoding the rest of the payload.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
