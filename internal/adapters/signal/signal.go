// Package signal carries the JSON signaling envelopes over gorilla/websocket.
// Conn and its pumps are shared by the peer client and the relay.
package signal

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

const DefaultSendQueue = 32

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn is one websocket with a bounded outbound queue drained by WritePump.
type Conn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func NewConn(ws *websocket.Conn, queue int) *Conn {
	if queue <= 0 {
		queue = DefaultSendQueue
	}
	return &Conn{
		ws:   ws,
		send: make(chan []byte, queue),
	}
}

// TrySend never blocks.
func (c *Conn) TrySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.TrySend(b)
}

// Close stops the queue. WritePump flushes a close frame and drops the socket.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
