package client

import (
	"sort"
	"sync"
	"time"

	"github.com/whisper/chat-rooms/internal/protocol"
	"github.com/whisper/chat-rooms/internal/store"
)

// State is the lifecycle of one timeline entry.
type State int

const (
	// Pending is an optimistic local copy without a server id.
	Pending State = iota
	// Confirmed carries the id assigned by the server.
	Confirmed
	// Failed is a local send the server rejected; kept for retry.
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one line of a room timeline. Message.ID is zero until the entry
// is confirmed.
type Entry struct {
	ClientRef string
	State     State
	Message   protocol.Message

	seq uint64
}

// Timeline merges optimistic local sends, synchronous send responses,
// broadcast events and re-fetched history into one list without duplicates.
// Confirmed entries are keyed by server id; local entries by client ref.
//
// synced is the id through which history has been fetched without holes.
// Only history fetches move it; live events and send responses may land
// above it with gaps below.
type Timeline struct {
	roomID string

	mu        sync.Mutex
	confirmed map[int64]*Entry
	local     map[string]*Entry // pending or failed, by client ref
	seq       uint64
	synced    int64
}

// NewTimeline creates an empty timeline for roomID.
func NewTimeline(roomID string) *Timeline {
	return &Timeline{
		roomID:    roomID,
		confirmed: make(map[int64]*Entry),
		local:     make(map[string]*Entry),
	}
}

// RoomID returns the room this timeline belongs to.
func (t *Timeline) RoomID() string { return t.roomID }

// AddPending records an optimistic copy of an outgoing message.
func (t *Timeline) AddPending(clientRef, senderID, content string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	e := &Entry{
		ClientRef: clientRef,
		State:     Pending,
		seq:       t.seq,
		Message: protocol.Message{
			RoomID:    t.roomID,
			SenderID:  senderID,
			Content:   content,
			Type:      store.MessageTypeText,
			ClientRef: clientRef,
			CreatedAt: time.Now(),
		},
	}
	t.local[clientRef] = e
	return *e
}

// Confirm promotes the local entry for clientRef to the stored message. If
// the id is already known (history arrived first) the local copy is simply
// dropped. It reports whether a local entry existed.
func (t *Timeline) Confirm(clientRef string, msg protocol.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.local[clientRef]
	delete(t.local, clientRef)
	t.insertLocked(msg, clientRef)
	return ok
}

// Fail marks the local entry for clientRef as failed.
func (t *Timeline) Fail(clientRef string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.local[clientRef]
	if !ok {
		return false
	}
	e.State = Failed
	return true
}

// Discard removes a failed or pending local entry.
func (t *Timeline) Discard(clientRef string) {
	t.mu.Lock()
	delete(t.local, clientRef)
	t.mu.Unlock()
}

// Receive merges a broadcast message. A message whose id is already
// confirmed is discarded. A message matching a local entry by client ref
// confirms that entry. It reports whether the timeline changed.
func (t *Timeline) Receive(msg protocol.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.confirmed[msg.ID]; ok {
		return false
	}
	ref := ""
	if e, ok := t.local[msg.ClientRef]; ok && msg.ClientRef != "" && e.Message.SenderID == msg.SenderID {
		ref = msg.ClientRef
		delete(t.local, ref)
	}
	t.insertLocked(msg, ref)
	return true
}

// Reset merges an authoritative history fetch. Fetched messages are added
// by id; local entries whose client ref appears in the fetch are confirmed,
// the rest stay at the tail. Entries already confirmed are kept because a
// fetch may cover only the latest page.
func (t *Timeline) Reset(msgs []protocol.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, m := range msgs {
		ref := ""
		if e, ok := t.local[m.ClientRef]; ok && m.ClientRef != "" && e.Message.SenderID == m.SenderID {
			ref = m.ClientRef
			delete(t.local, ref)
		}
		if _, ok := t.confirmed[m.ID]; ok {
			continue
		}
		t.insertLocked(m, ref)
	}
}

// Messages returns confirmed entries in id order followed by local entries
// in creation order.
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.confirmed)+len(t.local))
	for _, e := range t.confirmed {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Message.ID < out[j].Message.ID })

	local := make([]Entry, 0, len(t.local))
	for _, e := range t.local {
		local = append(local, *e)
	}
	sort.Slice(local, func(i, j int) bool { return local[i].seq < local[j].seq })
	return append(out, local...)
}

// LastID returns the highest confirmed id, or 0.
func (t *Timeline) LastID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var max int64
	for id := range t.confirmed {
		if id > max {
			max = id
		}
	}
	return max
}

// SyncedThrough returns the id through which history is known to be
// complete. Re-fetches start here so a broadcast lost below LastID is
// still repaired.
func (t *Timeline) SyncedThrough() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.synced
}

func (t *Timeline) markSynced(id int64) {
	t.mu.Lock()
	if id > t.synced {
		t.synced = id
	}
	t.mu.Unlock()
}

// Lookup returns the local entry for clientRef.
func (t *Timeline) Lookup(clientRef string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.local[clientRef]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (t *Timeline) insertLocked(msg protocol.Message, clientRef string) {
	if _, ok := t.confirmed[msg.ID]; ok {
		return
	}
	if clientRef == "" {
		clientRef = msg.ClientRef
	}
	t.confirmed[msg.ID] = &Entry{ClientRef: clientRef, State: Confirmed, Message: msg}
}
