package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("ws: outbound queue full")

	// ErrConnectionClosed is returned by Send after the connection closed.
	ErrConnectionClosed = errors.New("ws: connection closed")
)

// Connection represents a single WebSocket client connection with its
// associated metadata. Application frames go through a bounded outbound
// queue drained by one writer goroutine, so callers never block on the
// socket. The write mutex serializes that writer with control frames.
type Connection struct {
	ID        string    // connection id assigned by the room registry
	UserID    string    // authenticated user
	Username  string    // display name from the credential, may be empty
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	lastActive   atomic.Int64 // unix nanos of the last frame received
	writeMu      sync.Mutex   // serializes writes to this connection
	processing   int32        // atomic flag: 0 = idle, 1 = being read by handleConn
	writeTimeout time.Duration
	outbox       chan []byte
	closed       chan struct{}
	closeOnce    sync.Once
}

func newConnection(id, userID string, conn net.Conn, queue int, writeTimeout time.Duration) *Connection {
	if queue <= 0 {
		queue = 1
	}
	c := &Connection{
		ID:           id,
		UserID:       userID,
		Conn:         conn,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		outbox:       make(chan []byte, queue),
		closed:       make(chan struct{}),
	}
	c.Touch()
	return c
}

// Send enqueues a text frame without blocking.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrQueueFull
	}
}

// writeLoop drains the outbound queue until the connection closes. A failed
// write closes the socket; the read path then removes the connection.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case data := <-c.outbox:
			if err := c.WriteMessage(data); err != nil {
				log.Printf("ws: write failed conn=%s: %v", c.ID, err)
				c.Close()
				return
			}
		}
	}
}

// WriteMessage sends a WebSocket text frame directly, bounded by the write
// timeout. The write mutex ensures that concurrent goroutines do not
// interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Touch records client activity.
func (c *Connection) Touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns when the client was last heard from.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// Close stops the writer and closes the underlying network connection.
// It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry that maps connection ids and
// network connections to their respective Connection objects.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // conn_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by id, closes it, and removes it from both
// lookup maps. Returns true if the connection was found and removed, false
// if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
