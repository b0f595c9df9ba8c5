// Package store provides durable storage for rooms and their message
// history. The Postgres implementation backs production deployments; the
// in-memory implementation serves single-node development and tests.
package store

import (
	"context"
	"errors"
	"time"
)

const (
	// MessageTypeText is the only message type accepted by the send path.
	// Media types are reserved by the schema.
	MessageTypeText = "text"

	RoomTypeGroup   = "group"
	RoomTypePrivate = "private"

	// DefaultFetchLimit and MaxFetchLimit bound history queries.
	DefaultFetchLimit = 50
	MaxFetchLimit     = 100
)

// ErrRoomNotFound is returned by FetchRoom when no room has the given id.
var ErrRoomNotFound = errors.New("store: room not found")

// Message is a persisted chat message. Ids are assigned by the store and are
// strictly increasing within a room.
type Message struct {
	ID        int64
	RoomID    string
	SenderID  string
	Content   string
	Type      string
	ClientRef string
	CreatedAt time.Time
}

// Draft is a message that has not been persisted yet.
type Draft struct {
	RoomID    string
	SenderID  string
	Content   string
	Type      string // defaults to MessageTypeText
	ClientRef string
}

// Room is the durable record of a room.
type Room struct {
	ID        string
	Name      string
	Type      string
	CreatedAt time.Time
}

// Store is the durable message store used by the delivery pipeline and the
// history endpoints.
type Store interface {
	// PersistMessage stores a draft and returns it with its assigned id and
	// timestamp. The room is created on first use.
	PersistMessage(ctx context.Context, d Draft) (Message, error)

	// FetchMessages returns up to limit messages of a room in ascending id
	// order. With sinceID > 0 only messages after sinceID are returned;
	// otherwise the most recent messages are returned.
	FetchMessages(ctx context.Context, roomID string, sinceID int64, limit int) ([]Message, error)

	// FetchRoom returns the room record or ErrRoomNotFound.
	FetchRoom(ctx context.Context, roomID string) (Room, error)

	// EnsureRoom creates the room record if it does not exist.
	EnsureRoom(ctx context.Context, roomID string) error

	Close() error
}

// ClampLimit maps a caller supplied limit onto [1, MaxFetchLimit], using
// DefaultFetchLimit for non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultFetchLimit
	}
	if limit > MaxFetchLimit {
		return MaxFetchLimit
	}
	return limit
}
