// Package room implements the server side of room presence and message
// delivery: the connection registry, the room membership table, the message
// delivery pipeline and the typing-indicator coordinator. Hub wires the four
// together behind one facade.
//
// All state for a room is guarded by that room's mutex. Joins, leaves, sends
// and typing transitions in one room are therefore totally ordered, and every
// member observes the same message sequence. Events are handed to a
// Transport that must not block; slow consumers lose events rather than
// stalling the room.
package room

import (
	"time"

	"github.com/whisper/chat-rooms/internal/store"
)

// Config holds tunable parameters for the room core.
type Config struct {
	TypingWindow    time.Duration // typing indicator lifetime without a refresh
	PersistTimeout  time.Duration // upper bound on a single store write
	MaxContentChars int           // message body limit in characters
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingWindow:    5 * time.Second,
		PersistTimeout:  5 * time.Second,
		MaxContentChars: MaxContentChars,
	}
}

// Event kinds delivered to member connections.
const (
	EventReceiveMessage = "receive_message"
	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
)

// Event is one notification fanned out to the connections of a room.
// UserID is the actor: the sender, the joining or leaving user, or the
// typist. Username is the actor's display name when known. Message is set
// only for EventReceiveMessage.
type Event struct {
	Kind     string
	RoomID   string
	UserID   string
	Username string
	Message  *store.Message
	At       time.Time
}

// Transport hands events to live connections. Deliver is called while the
// room lock is held and must not block on network I/O.
type Transport interface {
	Deliver(connID string, ev Event) error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(connID string, ev Event) error

func (f TransportFunc) Deliver(connID string, ev Event) error { return f(connID, ev) }

// Publisher receives a copy of every fanned-out event for downstream
// consumers. Failures are logged and never affect delivery.
type Publisher interface {
	Publish(ev Event) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ev Event) error

func (f PublisherFunc) Publish(ev Event) error { return f(ev) }
