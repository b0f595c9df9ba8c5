package room

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/whisper/chat-rooms/internal/metrics"
	"github.com/whisper/chat-rooms/internal/store"
)

// Pipeline validates, persists and fans out messages. Persistence and
// fan-out for a room run under the room lock, so every member sees the
// room's messages in id order and a message is never delivered before it
// is durable.
type Pipeline struct {
	table    *Table
	registry *Registry
	store    store.Store
	config   Config
}

// NewPipeline creates a Pipeline writing to st.
func NewPipeline(table *Table, registry *Registry, st store.Store, config Config) *Pipeline {
	return &Pipeline{table: table, registry: registry, store: st, config: config}
}

// Send delivers content from the user owning connID to every other member
// of the room. The persisted message is returned to the caller; no
// connection of the sending user receives a receive_message for it.
func (p *Pipeline) Send(ctx context.Context, connID, roomID, content, clientRef string) (store.Message, error) {
	userID, ok := p.registry.UserOf(connID)
	if !ok {
		return store.Message{}, ErrUnknownConnection
	}
	return p.SendAs(ctx, userID, roomID, content, clientRef)
}

// SendAs is Send for callers that identify the sender by user id. The user
// must be a live member of the room.
func (p *Pipeline) SendAs(ctx context.Context, userID, roomID, content, clientRef string) (store.Message, error) {
	start := time.Now()

	msg, recipients, err := p.send(ctx, userID, roomID, content, clientRef)
	if err != nil {
		return store.Message{}, err
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.MessagesTotal.WithLabelValues("delivered").Add(float64(recipients))
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	log.Printf("room: message id=%d room=%s sender=%s recipients=%d", msg.ID, roomID, userID, recipients)
	return msg, nil
}

func (p *Pipeline) send(ctx context.Context, userID, roomID, content, clientRef string) (store.Message, int, error) {
	rs := p.table.acquire(roomID, false)
	if rs == nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return store.Message{}, 0, ErrNotAMember
	}
	defer rs.mu.Unlock()

	if _, member := rs.members[userID]; !member {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return store.Message{}, 0, ErrNotAMember
	}
	if err := ValidateContent(content, p.config.MaxContentChars); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return store.Message{}, 0, err
	}

	persistCtx, cancel := context.WithTimeout(ctx, p.config.PersistTimeout)
	defer cancel()

	msg, err := p.store.PersistMessage(persistCtx, store.Draft{
		RoomID:    roomID,
		SenderID:  userID,
		Content:   content,
		Type:      store.MessageTypeText,
		ClientRef: clientRef,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Printf("room: persist failed room=%s sender=%s: %v", roomID, userID, err)
		return store.Message{}, 0, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	p.table.clearTypingLocked(rs, userID)
	n := p.table.broadcastLocked(rs, Event{
		Kind:    EventReceiveMessage,
		RoomID:  roomID,
		UserID:  userID,
		Message: &msg,
		At:      msg.CreatedAt,
	}, userID)
	return msg, n, nil
}
