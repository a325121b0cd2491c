// Package transport is the HTTP/WS Transport (A4): the chi router, the
// gorilla/websocket upgrade, and thin REST handlers delegating straight into
// internal/lifecycle and internal/archive. Grounded on
// other_examples/jonradoff-chessmata's websocket.go (upgrader shape,
// read/write deadline and ping-ticker pattern) and on go-chi/chi + go-chi/cors,
// present directly in multiple pack repos as the ecosystem-standard router.
package transport

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Conn wraps one upgraded websocket and satisfies hub.Sender. Writes are
// serialized by mu; the caller (hub.Peer.Send) also serializes at the peer
// level, but the heartbeat ticker writes Ping frames through this same
// connection outside of that path, so Conn needs its own lock too.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewConn wraps an upgraded *websocket.Conn.
func NewConn(ws *websocket.Conn) *Conn { return &Conn{ws: ws} }

// Send writes one text frame.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// Ping writes a control-frame ping, used by the heartbeat loop.
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.ws.Close() }

// CloseGoingAway sends a proper close handshake with code 1001 (going away),
// used at process shutdown so clients know to reconnect rather than treat
// the drop as abnormal.
func (c *Conn) CloseGoingAway(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	return c.ws.Close()
}

// ReadLoop blocks reading frames and handing them to onFrame until the
// connection closes or errors, then calls onClose exactly once.
func (c *Conn) ReadLoop(onFrame func([]byte), onClose func()) {
	defer onClose()
	c.ws.SetReadLimit(2048)
	_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onFrame(raw)
	}
}

// upgrade validates nothing by itself — Origin and rate-limit checks happen
// in Server.handleWS before Upgrade is called, since a failed upgrade must
// still be able to write a 403/429 status with a body.
func upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}
