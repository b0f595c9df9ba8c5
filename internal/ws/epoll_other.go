//go:build !linux

package ws

import (
	"errors"
	"net"
	"os"
	"sync"
	"syscall"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each monitor goroutine waits on the runtime poller for read readiness
// without consuming bytes, signals the server, and then waits for Done
// before watching the connection again.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]chan struct{} // conn -> rearm signal
	readyCh chan net.Conn              // connections with pending data
	done    chan struct{}
	once    sync.Once
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]chan struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn for readability.
func (e *Epoll) Add(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return errors.New("ws: connection does not expose a raw fd")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}

	rearm := make(chan struct{}, 1)
	e.mu.Lock()
	e.conns[conn] = rearm
	e.mu.Unlock()

	go e.monitor(conn, raw, rearm)
	return nil
}

// monitor blocks until conn is readable, pushes it to the ready channel and
// waits to be rearmed. Errors other than deadline expiry end the monitor
// after one final readiness signal so the read path can detect the closure.
func (e *Epoll) monitor(conn net.Conn, raw syscall.RawConn, rearm chan struct{}) {
	for {
		polled := false
		err := raw.Read(func(uintptr) bool {
			// The first call only asks the poller to wait; the second
			// means the fd is readable.
			if polled {
				return true
			}
			polled = true
			return false
		})

		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}

		select {
		case <-rearm:
		case <-e.done:
			return
		}
	}
}

// Done rearms the monitor for conn.
func (e *Epoll) Done(conn net.Conn) {
	e.mu.RLock()
	rearm, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case rearm <- struct{}{}:
	default:
	}
}

// Remove unregisters a connection from the fallback epoll. Its monitor
// exits once the connection is closed.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	rearm, ok := e.conns[conn]
	delete(e.conns, conn)
	e.mu.Unlock()
	if ok {
		select {
		case rearm <- struct{}{}:
		default:
		}
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]chan struct{})
	e.mu.Unlock()
	return nil
}
