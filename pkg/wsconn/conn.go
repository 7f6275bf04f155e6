// Package wsconn serves the dispatcher over gorilla/websocket.
package wsconn

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const logPrefix = "wsconn:conn"

// DefaultWriteTimeout bounds every frame write.
const DefaultWriteTimeout = 10 * time.Second

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New(logPrefix + " - connection closed")

// Conn adapts a websocket connection to supervisor.Conn. Writes are
// serialized; reads belong to the handler's read loop.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool

	identityMu sync.RWMutex
	identity   any
}

func newConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Conn{id: id, ws: ws, writeTimeout: writeTimeout}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Identity() any {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

func (c *Conn) SetIdentity(v any) {
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	c.identity = v
}

func (c *Conn) IsOpen() bool { return !c.closed.Load() }

// Send writes one text frame.
func (c *Conn) Send(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a ping control frame.
func (c *Conn) Ping() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame with code and reason, then drops the socket.
func (c *Conn) Close(code int, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	werr := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
	cerr := c.ws.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

// Terminate drops the socket without a close handshake.
func (c *Conn) Terminate() error {
	c.closed.Store(true)
	return c.ws.Close()
}

func (c *Conn) markClosed() {
	c.closed.Store(true)
}
