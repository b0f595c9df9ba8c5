package room

import (
	"context"
	"log"

	"github.com/whisper/chat-rooms/internal/metrics"
	"github.com/whisper/chat-rooms/internal/store"
)

// Hub is the entry point used by the transport and REST layers.
type Hub struct {
	Registry *Registry
	Table    *Table
	Pipeline *Pipeline
	Typing   *TypingCoordinator
}

// NewHub wires a registry, membership table, delivery pipeline and typing
// coordinator. Zero fields in config take their defaults; publisher may be
// nil.
func NewHub(config Config, st store.Store, transport Transport, publisher Publisher) *Hub {
	defaults := DefaultConfig()
	if config.TypingWindow <= 0 {
		config.TypingWindow = defaults.TypingWindow
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}
	if config.MaxContentChars <= 0 {
		config.MaxContentChars = defaults.MaxContentChars
	}

	registry := NewRegistry()
	table := NewTable(registry, transport, publisher)
	return &Hub{
		Registry: registry,
		Table:    table,
		Pipeline: NewPipeline(table, registry, st, config),
		Typing:   NewTypingCoordinator(table, registry, config.TypingWindow),
	}
}

// Register records a new connection for an authenticated user.
func (h *Hub) Register(userID string) (string, error) {
	return h.RegisterNamed(userID, "")
}

// Unregister removes the connection and leaves every room it had joined.
// Unknown ids are ignored.
func (h *Hub) Unregister(connID string) {
	userID, rooms, ok := h.Registry.remove(connID)
	if !ok {
		return
	}
	metrics.ConnectionsTotal.Dec()

	for _, roomID := range rooms {
		h.Table.leave(connID, userID, roomID)
	}
	log.Printf("room: unregistered conn=%s user=%s rooms=%d", connID, userID, len(rooms))
}

// RegisterNamed is Register for a user whose credential carries a display
// name.
func (h *Hub) RegisterNamed(userID, username string) (string, error) {
	connID, err := h.Registry.RegisterNamed(userID, username)
	if err != nil {
		return "", err
	}
	metrics.ConnectionsTotal.Inc()
	return connID, nil
}

func (h *Hub) Join(connID, roomID string) error  { return h.Table.Join(connID, roomID) }
func (h *Hub) Leave(connID, roomID string) error { return h.Table.Leave(connID, roomID) }
func (h *Hub) MembersOf(roomID string) []string  { return h.Table.MembersOf(roomID) }
func (h *Hub) MemberNames(roomID string) map[string]string {
	return h.Table.MemberNames(roomID)
}
func (h *Hub) IsMember(roomID, userID string) bool {
	return h.Table.IsMember(roomID, userID)
}

func (h *Hub) Send(ctx context.Context, connID, roomID, content, clientRef string) (store.Message, error) {
	return h.Pipeline.Send(ctx, connID, roomID, content, clientRef)
}

func (h *Hub) SendAs(ctx context.Context, userID, roomID, content, clientRef string) (store.Message, error) {
	return h.Pipeline.SendAs(ctx, userID, roomID, content, clientRef)
}

func (h *Hub) StartTyping(connID, roomID string) error { return h.Typing.Start(connID, roomID) }
func (h *Hub) StopTyping(connID, roomID string) error  { return h.Typing.Stop(connID, roomID) }
