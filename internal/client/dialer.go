package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/internal/transport/gobws"
	"github.com/omochice/roomchat/internal/transport/ws"
)

// Dialer opens the underlying connection for a Transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (chat.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (chat.Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string) (chat.Conn, error) {
	return f(ctx, url)
}

// Websocket engines accepted by NewDialer.
const (
	EngineNhooyr = "nhooyr"
	EngineGobwas = "gobwas"
)

// NewDialer returns a dialer for the named websocket engine. Text selects
// text messages, which the JSON codec uses.
func NewDialer(engine string, header http.Header, text bool) (Dialer, error) {
	switch engine {
	case "", EngineNhooyr:
		return ws.Dialer{Header: header, Text: text}, nil
	case EngineGobwas:
		return gobws.Dialer{Header: header, Text: text}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, engine)
	}
}
