package chat_test

import (
	"context"
	"io"

	"github.com/omochice/roomchat/internal/chat"
)

// stubConn is a chat.Conn that never produces data.
type stubConn struct {
	remoteAddr string
}

func (s *stubConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, io.EOF
}

func (s *stubConn) Write(context.Context, []byte) error { return nil }

func (s *stubConn) Close() error { return nil }

func (s *stubConn) RemoteAddr() string { return s.remoteAddr }

var _ chat.Conn = (*stubConn)(nil)

func newClient(name string) *chat.Client {
	return &chat.Client{
		Conn:     &stubConn{remoteAddr: "127.0.0.1:1234"},
		Username: name,
		Outgoing: make(chan []byte, 1),
	}
}
