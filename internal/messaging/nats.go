// Package messaging provides a NATS client wrapper used as the room event
// bus. Every server instance publishes the events it fans out locally to
// chat.room.<room_id>; downstream consumers subscribe with a wildcard.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/whisper/chat-rooms/internal/protocol"
)

// NATS subject patterns.
const (
	SubjectRoomPrefix = "chat.room" // + .<room_id>
	SubjectRoomAll    = SubjectRoomPrefix + ".*"
)

// RoomEvent is the bus form of a fanned-out room event. Type carries the
// same discriminator as the wire event (receive_message, user_joined, ...).
type RoomEvent struct {
	Type     string            `json:"type"`
	RoomID   string            `json:"room_id"`
	UserID   string            `json:"user_id"`
	Username string            `json:"username,omitempty"`
	Message  *protocol.Message `json:"message,omitempty"`
	Server   string            `json:"server"`
	Ts       int64             `json:"ts"`
}

// RoomSubject returns the subject events for roomID are published on.
func RoomSubject(roomID string) string {
	return SubjectRoomPrefix + "." + roomID
}

// RoomIDFromSubject extracts the room id from a chat.room.<id> subject.
func RoomIDFromSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, SubjectRoomPrefix+".")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chat-rooms",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishRoomEvent publishes ev to chat.room.<ev.RoomID>.
func (c *NATSClient) PublishRoomEvent(ev RoomEvent) error {
	if ev.RoomID == "" {
		return fmt.Errorf("nats: room event without room id")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal room event: %w", err)
	}
	return c.Publish(RoomSubject(ev.RoomID), data)
}

// SubscribeRoomEvents subscribes to the events of every room. Payloads that
// fail to decode are logged and dropped.
func (c *NATSClient) SubscribeRoomEvents(handler func(ev RoomEvent)) error {
	return c.Subscribe(SubjectRoomAll, func(msg *nats.Msg) {
		ev, err := DecodeRoomEvent(msg.Subject, msg.Data)
		if err != nil {
			log.Printf("[nats] bad room event subject=%s: %v", msg.Subject, err)
			return
		}
		handler(ev)
	})
}

// DecodeRoomEvent parses a room event payload. A missing room id is filled
// in from the subject.
func DecodeRoomEvent(subject string, data []byte) (RoomEvent, error) {
	var ev RoomEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return RoomEvent{}, fmt.Errorf("nats: decode room event: %w", err)
	}
	if ev.RoomID == "" {
		id, ok := RoomIDFromSubject(subject)
		if !ok {
			return RoomEvent{}, fmt.Errorf("nats: room event without room id on %q", subject)
		}
		ev.RoomID = id
	}
	if ev.Type == "" {
		return RoomEvent{}, fmt.Errorf("nats: room event without type")
	}
	return ev, nil
}

// Unsubscribe removes the subscription for subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
