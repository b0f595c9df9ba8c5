package room

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/whisper/chat-rooms/internal/metrics"
)

type typingState struct {
	expires time.Time
	timer   *time.Timer
	gen     uint64 // identifies the timer that may clear this state
}

// TypingCoordinator tracks per-room typing indicators. A start refreshes the
// expiry; only the not-typing to typing and typing to not-typing transitions
// are broadcast.
type TypingCoordinator struct {
	table    *Table
	registry *Registry
	window   time.Duration
	gen      atomic.Uint64
}

// NewTypingCoordinator creates a coordinator whose indicators expire after
// window without a refresh.
func NewTypingCoordinator(table *Table, registry *Registry, window time.Duration) *TypingCoordinator {
	if window <= 0 {
		window = DefaultConfig().TypingWindow
	}
	return &TypingCoordinator{table: table, registry: registry, window: window}
}

// Start marks the connection's user as typing in the room.
func (tc *TypingCoordinator) Start(connID, roomID string) error {
	userID, ok := tc.registry.UserOf(connID)
	if !ok {
		return ErrUnknownConnection
	}

	rs := tc.table.acquire(roomID, false)
	if rs == nil {
		return ErrNotAMember
	}
	defer rs.mu.Unlock()
	if _, member := rs.members[userID]; !member {
		return ErrNotAMember
	}

	gen := tc.gen.Add(1)
	if st, typing := rs.typing[userID]; typing {
		st.timer.Stop()
		st.gen = gen
		st.expires = time.Now().Add(tc.window)
		st.timer = tc.schedule(roomID, userID, gen)
		return nil
	}

	rs.typing[userID] = &typingState{
		expires: time.Now().Add(tc.window),
		timer:   tc.schedule(roomID, userID, gen),
		gen:     gen,
	}
	tc.table.broadcastLocked(rs, Event{Kind: EventTypingStart, RoomID: roomID, UserID: userID}, userID)
	return nil
}

// Stop clears the user's typing indicator. It is a no-op when the user is
// not typing.
func (tc *TypingCoordinator) Stop(connID, roomID string) error {
	userID, ok := tc.registry.UserOf(connID)
	if !ok {
		return ErrUnknownConnection
	}

	rs := tc.table.acquire(roomID, false)
	if rs == nil {
		return ErrNotAMember
	}
	defer rs.mu.Unlock()
	if _, member := rs.members[userID]; !member {
		return ErrNotAMember
	}
	tc.table.clearTypingLocked(rs, userID)
	return nil
}

// Clear drops the user's typing indicator in the room, broadcasting
// typing_stop if one was active.
func (tc *TypingCoordinator) Clear(roomID, userID string) {
	rs := tc.table.acquire(roomID, false)
	if rs == nil {
		return
	}
	defer rs.mu.Unlock()
	tc.table.clearTypingLocked(rs, userID)
}

// IsTyping reports whether the user currently has an active indicator.
func (tc *TypingCoordinator) IsTyping(roomID, userID string) bool {
	rs := tc.table.acquire(roomID, false)
	if rs == nil {
		return false
	}
	defer rs.mu.Unlock()
	_, typing := rs.typing[userID]
	return typing
}

func (tc *TypingCoordinator) schedule(roomID, userID string, gen uint64) *time.Timer {
	return time.AfterFunc(tc.window, func() {
		tc.expire(roomID, userID, gen)
	})
}

// expire runs on the timer goroutine. A timer that lost the race with a
// refresh or a stop finds a different generation and does nothing.
func (tc *TypingCoordinator) expire(roomID, userID string, gen uint64) {
	rs := tc.table.acquire(roomID, false)
	if rs == nil {
		return
	}
	defer rs.mu.Unlock()

	st, typing := rs.typing[userID]
	if !typing || st.gen != gen {
		return
	}
	delete(rs.typing, userID)
	metrics.TypingExpired.Inc()
	tc.table.broadcastLocked(rs, Event{Kind: EventTypingStop, RoomID: roomID, UserID: userID}, userID)
	log.Printf("room: typing expired room=%s user=%s", roomID, userID)
}

// clearTypingLocked removes the user's indicator and broadcasts typing_stop.
// rs.mu must be held.
func (t *Table) clearTypingLocked(rs *roomState, userID string) bool {
	st, typing := rs.typing[userID]
	if !typing {
		return false
	}
	st.timer.Stop()
	delete(rs.typing, userID)
	t.broadcastLocked(rs, Event{Kind: EventTypingStop, RoomID: rs.id, UserID: userID}, userID)
	return true
}
