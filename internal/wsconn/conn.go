// Package wsconn wraps a gorilla/websocket connection into a frame-level
// duplex channel: concurrent-safe writes, a read loop that tolerates
// malformed frames instead of killing the connection, and native
// websocket ping/pong wired to a liveness callback.
package wsconn

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaytun/relaytun/internal/frame"
)

// ErrClosed is returned by WriteFrame and WritePing once the connection
// has been closed locally.
var ErrClosed = errors.New("wsconn: connection closed")

// Conn wraps a *websocket.Conn with a single-writer mutex (the gorilla
// client requires all writes be serialized) and a frame-oriented API.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool

	onPong func()
}

// New wraps ws. onPong, if non-nil, is invoked whenever a native websocket
// pong control frame arrives (liveness signal independent of app-level
// pong frames).
func New(ws *websocket.Conn, onPong func()) *Conn {
	c := &Conn{ws: ws, onPong: onPong}
	ws.SetPongHandler(func(string) error {
		if c.onPong != nil {
			c.onPong()
		}
		return nil
	})
	return c
}

// SetOnPong replaces the native-pong callback. Must be called before the
// read loop starts consuming messages, since gorilla/websocket invokes
// the pong handler synchronously from ReadMessage.
func (c *Conn) SetOnPong(onPong func()) {
	c.onPong = onPong
}

// WriteFrame encodes f and sends it as a single text message. Safe for
// concurrent use by multiple goroutines.
func (c *Conn) WriteFrame(f *frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("wsconn: write: %w", err)
	}
	return nil
}

// WritePing sends a native websocket ping control frame.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

// ReadFrame blocks for the next message and decodes it. A malformed
// message is returned as a *frame.MalformedFrame error so the caller can
// log and continue reading rather than tearing down the connection.
func (c *Conn) ReadFrame() (*frame.Frame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("wsconn: read: %w", err)
	}
	return frame.Decode(data)
}

// SetReadDeadline forwards to the underlying connection, used by the
// server's auth handshake to bound its wait for the auth frame.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// RemoteAddr returns the underlying network peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// Close sends a normal-closure control frame (best effort) and closes the
// underlying connection. Idempotent.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close control frame carrying code and reason
// (best effort) and closes the underlying connection. Idempotent; only
// the first call's code is actually sent.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.ws.Close()
}
