package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store. Message ids come from a single counter so
// they are increasing per room as well as globally.
type Memory struct {
	mu       sync.Mutex
	nextID   int64
	rooms    map[string]Room
	messages map[string][]Message // room_id -> messages ordered by id
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]Room),
		messages: make(map[string][]Message),
	}
}

func (m *Memory) PersistMessage(ctx context.Context, d Draft) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ensureRoomLocked(d.RoomID)

	m.nextID++
	msg := Message{
		ID:        m.nextID,
		RoomID:    d.RoomID,
		SenderID:  d.SenderID,
		Content:   d.Content,
		Type:      d.Type,
		ClientRef: d.ClientRef,
		CreatedAt: time.Now().UTC(),
	}
	if msg.Type == "" {
		msg.Type = MessageTypeText
	}
	m.messages[d.RoomID] = append(m.messages[d.RoomID], msg)
	return msg, nil
}

func (m *Memory) FetchMessages(ctx context.Context, roomID string, sinceID int64, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.messages[roomID]
	var window []Message
	if sinceID > 0 {
		start := sort.Search(len(all), func(i int) bool { return all[i].ID > sinceID })
		window = all[start:]
		if len(window) > limit {
			window = window[:limit]
		}
	} else {
		window = all
		if len(window) > limit {
			window = window[len(window)-limit:]
		}
	}

	out := make([]Message, len(window))
	copy(out, window)
	return out, nil
}

func (m *Memory) FetchRoom(ctx context.Context, roomID string) (Room, error) {
	if err := ctx.Err(); err != nil {
		return Room{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return r, nil
}

func (m *Memory) EnsureRoom(ctx context.Context, roomID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.ensureRoomLocked(roomID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) ensureRoomLocked(roomID string) {
	if _, ok := m.rooms[roomID]; ok {
		return
	}
	m.rooms[roomID] = Room{
		ID:        roomID,
		Name:      roomID,
		Type:      RoomTypeGroup,
		CreatedAt: time.Now().UTC(),
	}
}
