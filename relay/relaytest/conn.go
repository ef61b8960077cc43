// Package relaytest provides an in-memory relay socket for tests.
package relaytest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by a closed Conn
var ErrConnClosed = errors.New("use of closed connection")

// Conn is an in-memory socket. Frames pushed with Send are read by the
// channel; frames the channel writes are collected and can be awaited.
type Conn struct {
	in      chan []byte
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
	notify  chan struct{}
}

// NewConn creates an open in-memory socket
func NewConn() *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Send queues an inbound frame
func (c *Conn) Send(frame string) {
	c.in <- []byte(frame)
}

// Hangup simulates the remote side closing normally
func (c *Conn) Hangup() {
	close(c.in)
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, ErrConnClosed
	}
}

func (c *Conn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Conn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *Conn) SetWriteDeadline(time.Time) error         { return nil }
func (c *Conn) SetReadLimit(int64)                        {}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// IsClosed reports whether Close was called
func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Written returns the frames written so far, decoded as JSON objects
func (c *Conn) Written() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.written))
	for _, data := range c.written {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// WaitForWrites blocks until at least n frames were written or the timeout expires
func (c *Conn) WaitForWrites(n int, timeout time.Duration) []map[string]any {
	deadline := time.After(timeout)
	for {
		if frames := c.Written(); len(frames) >= n {
			return frames
		}
		select {
		case <-c.notify:
		case <-deadline:
			return c.Written()
		}
	}
}
