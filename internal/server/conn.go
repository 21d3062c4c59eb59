package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/omochice/roomchat/internal/chat"
)

const writeWait = 10 * time.Second

// wsConn adapts a gorilla websocket connection to chat.Conn. Frames are
// written as binary messages once the peer is known to speak a binary codec.
type wsConn struct {
	conn *websocket.Conn

	writeMu    sync.Mutex
	lastBinary atomic.Bool
	outBinary  atomic.Bool
}

var _ chat.Conn = (*wsConn)(nil)

func newConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Read reads one message. Normal and going-away closures return io.EOF.
func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}
	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	c.lastBinary.Store(mt == websocket.BinaryMessage)
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = c.conn.SetWriteDeadline(deadline)

	mt := websocket.TextMessage
	if c.outBinary.Load() {
		mt = websocket.BinaryMessage
	}
	return c.conn.WriteMessage(mt, data)
}

// Close sends a normal closure and closes the connection.
func (c *wsConn) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
