package room

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnInfo is a snapshot of a registered connection.
type ConnInfo struct {
	ID          string
	UserID      string
	Username    string
	ConnectedAt time.Time
	Rooms       []string
}

type connEntry struct {
	id          string
	userID      string
	username    string // display name, may be empty
	connectedAt time.Time
	rooms       map[string]struct{}
}

// Registry maps live connection ids to their user and joined rooms. Many
// connections may share one user id.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connEntry
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connEntry)}
}

// Register records a new connection for an authenticated user and returns
// its id.
func (r *Registry) Register(userID string) (string, error) {
	return r.RegisterNamed(userID, "")
}

// RegisterNamed is Register with the display name carried by the user's
// credential. The name travels with membership and typing events.
func (r *Registry) RegisterNamed(userID, username string) (string, error) {
	if userID == "" {
		return "", ErrUnauthenticated
	}
	id := uuid.New().String()

	r.mu.Lock()
	r.conns[id] = &connEntry{
		id:          id,
		userID:      userID,
		username:    username,
		connectedAt: time.Now(),
		rooms:       make(map[string]struct{}),
	}
	r.mu.Unlock()
	return id, nil
}

// remove drops the connection and returns its user and joined rooms. Once
// removed, addRoom on the id fails, so a racing join cannot leave a stale
// membership behind.
func (r *Registry) remove(connID string) (userID string, rooms []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connID]
	if !ok {
		return "", nil, false
	}
	delete(r.conns, connID)
	for roomID := range e.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return e.userID, rooms, true
}

// UserOf returns the user id owning connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return e.userID, true
}

func (r *Registry) identity(connID string) (userID, username string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return "", "", false
	}
	return e.userID, e.username, true
}

// Lookup returns a snapshot of the connection.
func (r *Registry) Lookup(connID string) (ConnInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return ConnInfo{}, false
	}
	return e.snapshot(), true
}

// Rooms returns the rooms the connection has joined, sorted.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return e.snapshot().Rooms
}

// ConnectionsOf returns the ids of every live connection of a user.
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.conns {
		if e.userID == userID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) addRoom(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	e.rooms[roomID] = struct{}{}
	return true
}

func (r *Registry) removeRoom(connID, roomID string) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		delete(e.rooms, roomID)
	}
	r.mu.Unlock()
}

func (e *connEntry) snapshot() ConnInfo {
	rooms := make([]string, 0, len(e.rooms))
	for roomID := range e.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return ConnInfo{
		ID:          e.id,
		UserID:      e.userID,
		Username:    e.username,
		ConnectedAt: e.connectedAt,
		Rooms:       rooms,
	}
}
