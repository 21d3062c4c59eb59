// Package gobws provides a github.com/gobwas/ws implementation of chat.Conn
// for the client side of a connection.
package gobws

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/omochice/roomchat/internal/chat"
)

var _ chat.Conn = (*Conn)(nil)

// Conn wraps a client-side net.Conn speaking the websocket protocol.
// Reads must not be called concurrently; writes may be.
type Conn struct {
	conn net.Conn
	rd   *wsutil.Reader
	op   ws.OpCode
	mu   sync.Mutex
}

// NewConn wraps conn. If br is not nil it holds bytes already read from conn
// during the handshake and is used as the read source.
func NewConn(conn net.Conn, br *bufio.Reader, text bool) *Conn {
	c := &Conn{conn: conn, op: ws.OpBinary}
	if text {
		c.op = ws.OpText
	}
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	c.rd = &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		OnIntermediate: c.handleControl,
	}
	return c
}

// Read implements chat.Conn. A normal closure from the peer is reported as io.EOF.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	data, err := c.readData()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var closed wsutil.ClosedError
		if errors.As(err, &closed) && closed.Code == ws.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *Conn) readData() ([]byte, error) {
	for {
		hdr, err := c.rd.NextFrame()
		if err != nil {
			return nil, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, c.rd); err != nil {
				return nil, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := c.rd.Discard(); err != nil {
				return nil, err
			}
			continue
		}
		return io.ReadAll(c.rd)
	}
}

// handleControl answers pings and close frames. The reply is assembled in
// memory so it goes out in one write and never interleaves with data frames.
func (c *Conn) handleControl(hdr ws.Header, src io.Reader) error {
	var buf bytes.Buffer
	handler := wsutil.ControlHandler{Src: src, Dst: &buf, State: ws.StateClientSide}
	err := handler.Handle(hdr)
	if buf.Len() > 0 {
		c.mu.Lock()
		_, werr := c.conn.Write(buf.Bytes())
		c.mu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

// Write implements chat.Conn.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	return c.writeFrame(ctx, c.op, data)
}

func (c *Conn) writeFrame(ctx context.Context, op ws.OpCode, data []byte) error {
	var buf bytes.Buffer
	if err := wsutil.WriteClientMessage(&buf, op, data); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(buf.Bytes())
	return err
}

// Close implements chat.Conn. It sends a close frame before closing the socket.
func (c *Conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = c.writeFrame(ctx, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Dialer opens client connections with github.com/gobwas/ws.
type Dialer struct {
	// Header is sent with the opening handshake.
	Header http.Header
	// Text selects text messages instead of binary ones.
	Text bool
}

// Dial connects to the websocket endpoint at url.
func (d Dialer) Dial(ctx context.Context, url string) (chat.Conn, error) {
	dialer := ws.Dialer{}
	if len(d.Header) > 0 {
		dialer.Header = ws.HandshakeHeaderHTTP(d.Header)
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, br, d.Text), nil
}
