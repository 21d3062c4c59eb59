// Package ws provides the nhooyr.io/websocket implementation of chat.Conn and
// the default client dialer.
package ws

import (
	"context"
	"io"
	"net/http"

	"github.com/omochice/roomchat/internal/chat"
	"nhooyr.io/websocket"
)

var _ chat.Conn = (*Conn)(nil)

// Conn adapts nhooyr.io/websocket to the chat.Conn interface.
type Conn struct {
	conn       *websocket.Conn
	typ        websocket.MessageType
	remoteAddr string
}

// NewConn wraps a websocket.Conn that writes binary messages.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn, typ: websocket.MessageBinary}
}

// NewConnWithAddr wraps a websocket.Conn with the specified remote address.
// When text is set, frames are written as text messages.
func NewConnWithAddr(conn *websocket.Conn, addr string, text bool) *Conn {
	c := NewConn(conn)
	c.remoteAddr = addr
	if text {
		c.typ = websocket.MessageText
	}
	return c
}

// Read implements chat.Conn. A normal closure from the peer is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, c.typ, data)
}

// Close implements chat.Conn.
func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Dialer opens client connections with nhooyr.io/websocket.
type Dialer struct {
	// Header is sent with the opening handshake.
	Header http.Header
	// Text selects text messages instead of binary ones.
	Text bool
}

// Dial connects to the websocket endpoint at url.
func (d Dialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)

	addr := url
	if resp != nil && resp.Request != nil {
		addr = resp.Request.URL.Host
	}
	return NewConnWithAddr(conn, addr, d.Text), nil
}
