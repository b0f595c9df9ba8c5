package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres is the PostgreSQL-backed Store. Message ids come from the
// messages.id BIGSERIAL; sends to one room are serialized by the caller so
// commit order matches id order.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres opens a connection pool for the given URL, verifies it with a
// ping and applies pending schema migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return NewPostgres(db), nil
}

// NewPostgres wraps an existing database handle. The schema must already be
// migrated.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) PersistMessage(ctx context.Context, d Draft) (Message, error) {
	msgType := d.Type
	if msgType == "" {
		msgType = MessageTypeText
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("store: persist message: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name) VALUES ($1, $1) ON CONFLICT (id) DO NOTHING`,
		d.RoomID,
	); err != nil {
		return Message{}, fmt.Errorf("store: persist message: ensure room: %w", err)
	}

	msg := Message{
		RoomID:    d.RoomID,
		SenderID:  d.SenderID,
		Content:   d.Content,
		Type:      msgType,
		ClientRef: d.ClientRef,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO messages (room_id, sender_id, content, message_type, client_ref)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		d.RoomID, d.SenderID, d.Content, msgType, d.ClientRef,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("store: persist message: insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("store: persist message: commit: %w", err)
	}
	return msg, nil
}

func (p *Postgres) FetchMessages(ctx context.Context, roomID string, sinceID int64, limit int) ([]Message, error) {
	limit = ClampLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	if sinceID > 0 {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, room_id, sender_id, content, message_type, client_ref, created_at
			 FROM messages
			 WHERE room_id = $1 AND id > $2
			 ORDER BY id ASC
			 LIMIT $3`,
			roomID, sinceID, limit,
		)
	} else {
		rows, err = p.db.QueryContext(ctx,
			`SELECT id, room_id, sender_id, content, message_type, client_ref, created_at
			 FROM (
			     SELECT id, room_id, sender_id, content, message_type, client_ref, created_at
			     FROM messages
			     WHERE room_id = $1
			     ORDER BY id DESC
			     LIMIT $2
			 ) recent
			 ORDER BY id ASC`,
			roomID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &m.Type, &m.ClientRef, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: fetch messages: scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: fetch messages: %w", err)
	}
	return messages, nil
}

func (p *Postgres) FetchRoom(ctx context.Context, roomID string) (Room, error) {
	var r Room
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, type, created_at FROM rooms WHERE id = $1`,
		roomID,
	).Scan(&r.ID, &r.Name, &r.Type, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrRoomNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("store: fetch room: %w", err)
	}
	return r, nil
}

func (p *Postgres) EnsureRoom(ctx context.Context, roomID string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name) VALUES ($1, $1) ON CONFLICT (id) DO NOTHING`,
		roomID,
	)
	if err != nil {
		return fmt.Errorf("store: ensure room: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}
