package room

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/whisper/chat-rooms/internal/metrics"
)

// roomState is the in-memory state of one room. Every field is guarded by mu.
type roomState struct {
	mu      sync.Mutex
	id      string
	members map[string]map[string]struct{} // user_id -> connection ids in the room
	names   map[string]string              // user_id -> display name
	typing  map[string]*typingState        // user_id -> active typing indicator
	dead    bool                           // removed from the table; callers must re-acquire
}

// Table tracks which users are members of which rooms and fans events out
// to member connections. Rooms are created on first join and dropped when
// their last member leaves.
type Table struct {
	mu        sync.Mutex // guards rooms; lock order is Table.mu -> roomState.mu
	rooms     map[string]*roomState
	registry  *Registry
	transport Transport
	publisher Publisher
}

// NewTable creates a Table that resolves connections through registry and
// delivers events through transport. publisher may be nil.
func NewTable(registry *Registry, transport Transport, publisher Publisher) *Table {
	return &Table{
		rooms:     make(map[string]*roomState),
		registry:  registry,
		transport: transport,
		publisher: publisher,
	}
}

// Join adds the connection to the room. Joining twice is a no-op. Other
// members are sent user_joined only when the user was not already present
// through another connection.
func (t *Table) Join(connID, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}
	userID, username, ok := t.registry.identity(connID)
	if !ok {
		return ErrUnknownConnection
	}

	rs := t.acquire(roomID, true)
	conns, wasMember := rs.members[userID]
	if _, joined := conns[connID]; joined {
		rs.mu.Unlock()
		return nil
	}
	if !t.registry.addRoom(connID, roomID) {
		// Unregistered while we waited for the room lock.
		empty := len(rs.members) == 0
		rs.mu.Unlock()
		if empty {
			t.release(rs)
		}
		return ErrUnknownConnection
	}
	if !wasMember {
		conns = make(map[string]struct{})
		rs.members[userID] = conns
	}
	conns[connID] = struct{}{}
	if username != "" {
		rs.names[userID] = username
	}

	if !wasMember {
		t.broadcastLocked(rs, Event{Kind: EventUserJoined, RoomID: roomID, UserID: userID}, userID)
	}
	rs.mu.Unlock()

	log.Printf("room: join room=%s user=%s conn=%s first=%v", roomID, userID, connID, !wasMember)
	return nil
}

// Leave removes the connection from the room. Leaving a room the connection
// is not in is a no-op.
func (t *Table) Leave(connID, roomID string) error {
	if roomID == "" {
		return ErrInvalidRoom
	}
	userID, ok := t.registry.UserOf(connID)
	if !ok {
		return ErrUnknownConnection
	}
	t.leave(connID, userID, roomID)
	return nil
}

// leave removes one connection of userID from the room. When it was the
// user's last connection there, the user's typing state is cleared and the
// remaining members are sent user_left. It reports whether the user left.
func (t *Table) leave(connID, userID, roomID string) bool {
	rs := t.acquire(roomID, false)
	if rs == nil {
		return false
	}

	conns := rs.members[userID]
	if _, joined := conns[connID]; !joined {
		rs.mu.Unlock()
		return false
	}
	delete(conns, connID)
	t.registry.removeRoom(connID, roomID)

	userLeft := len(conns) == 0
	if userLeft {
		delete(rs.members, userID)
		t.clearTypingLocked(rs, userID)
		t.broadcastLocked(rs, Event{Kind: EventUserLeft, RoomID: roomID, UserID: userID}, userID)
		delete(rs.names, userID)
	}
	empty := len(rs.members) == 0
	rs.mu.Unlock()

	if empty {
		t.release(rs)
	}
	log.Printf("room: leave room=%s user=%s conn=%s last=%v", roomID, userID, connID, userLeft)
	return userLeft
}

// MembersOf returns the sorted user ids currently in the room.
func (t *Table) MembersOf(roomID string) []string {
	rs := t.acquire(roomID, false)
	if rs == nil {
		return []string{}
	}
	defer rs.mu.Unlock()
	return membersLocked(rs)
}

// MemberNames returns the display names known for the room's members.
// Members that connected without a name are absent.
func (t *Table) MemberNames(roomID string) map[string]string {
	rs := t.acquire(roomID, false)
	if rs == nil {
		return map[string]string{}
	}
	defer rs.mu.Unlock()
	names := make(map[string]string, len(rs.names))
	for userID, name := range rs.names {
		names[userID] = name
	}
	return names
}

// IsMember reports whether the user has at least one connection in the room.
func (t *Table) IsMember(roomID, userID string) bool {
	rs := t.acquire(roomID, false)
	if rs == nil {
		return false
	}
	defer rs.mu.Unlock()
	_, ok := rs.members[userID]
	return ok
}

// RoomCount returns the number of rooms with at least one member.
func (t *Table) RoomCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rooms)
}

// acquire returns the locked state of a room, creating it when create is
// set. It returns nil when the room does not exist and create is false.
func (t *Table) acquire(roomID string, create bool) *roomState {
	for {
		t.mu.Lock()
		rs, ok := t.rooms[roomID]
		if !ok {
			if !create {
				t.mu.Unlock()
				return nil
			}
			rs = &roomState{
				id:      roomID,
				members: make(map[string]map[string]struct{}),
				names:   make(map[string]string),
				typing:  make(map[string]*typingState),
			}
			t.rooms[roomID] = rs
			metrics.ActiveRooms.Inc()
		}
		t.mu.Unlock()

		rs.mu.Lock()
		if !rs.dead {
			return rs
		}
		rs.mu.Unlock()
	}
}

// release drops a room from the table if it is still empty. The caller must
// not hold rs.mu.
func (t *Table) release(rs *roomState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.dead || len(rs.members) > 0 || t.rooms[rs.id] != rs {
		return
	}
	rs.dead = true
	delete(t.rooms, rs.id)
	metrics.ActiveRooms.Dec()
}

// broadcastLocked delivers ev to every connection of every member except
// excludeUser, then publishes it. rs.mu must be held.
func (t *Table) broadcastLocked(rs *roomState, ev Event, excludeUser string) int {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Username == "" {
		ev.Username = rs.names[ev.UserID]
	}

	delivered := 0
	for userID, conns := range rs.members {
		if userID == excludeUser {
			continue
		}
		for connID := range conns {
			if err := t.transport.Deliver(connID, ev); err != nil {
				metrics.FanoutDropped.Inc()
				log.Printf("room: deliver %s failed room=%s conn=%s: %v", ev.Kind, rs.id, connID, err)
				continue
			}
			delivered++
		}
	}

	if t.publisher != nil {
		if err := t.publisher.Publish(ev); err != nil {
			log.Printf("room: publish %s failed room=%s: %v", ev.Kind, rs.id, err)
		}
	}
	return delivered
}

func membersLocked(rs *roomState) []string {
	members := make([]string, 0, len(rs.members))
	for userID := range rs.members {
		members = append(members, userID)
	}
	sort.Strings(members)
	return members
}
