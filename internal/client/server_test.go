package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/pkg/protocol"
	"nhooyr.io/websocket"
)

// testServer accepts websocket clients, records the frames they send and
// lets tests push frames or drop connections.
type testServer struct {
	t        *testing.T
	codec    protocol.Codec
	srv      *httptest.Server
	url      string
	accepts  atomic.Int32
	received chan protocol.Frame

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestServer(t *testing.T, codec protocol.Codec) *testServer {
	t.Helper()
	s := &testServer{t: t, codec: codec, received: make(chan protocol.Frame, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	s.url = "ws" + strings.TrimPrefix(s.srv.URL, "http")
	t.Cleanup(s.close)
	return s
}

func (s *testServer) handle(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()
	s.accepts.Add(1)

	for {
		_, data, err := c.Read(context.Background())
		if err != nil {
			return
		}
		frame, err := s.codec.Decode(data)
		if err != nil {
			continue
		}
		s.received <- frame
	}
}

func (s *testServer) latest() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// push sends f to the most recently accepted client.
func (s *testServer) push(f protocol.Frame) {
	s.t.Helper()
	c := s.latest()
	if c == nil {
		s.t.Fatal("no client connected")
	}
	data, err := s.codec.Encode(f)
	if err != nil {
		s.t.Fatalf("Encode() error = %v", err)
	}
	typ := websocket.MessageText
	if s.codec.Binary() {
		typ = websocket.MessageBinary
	}
	if err := c.Write(context.Background(), typ, data); err != nil {
		s.t.Fatalf("Write() error = %v", err)
	}
}

// drop closes the most recently accepted client with code.
func (s *testServer) drop(code websocket.StatusCode) {
	if c := s.latest(); c != nil {
		_ = c.Close(code, "")
	}
}

func (s *testServer) close() {
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.CloseNow()
	}
	s.mu.Unlock()
	s.srv.Close()
}

func (s *testServer) waitFrame(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for frame")
		return protocol.Frame{}
	}
}

// eventRecorder collects events delivered to a handler.
type eventRecorder struct {
	ch chan struct{ name, reason string }
}

func newRecorder() *eventRecorder {
	return &eventRecorder{ch: make(chan struct{ name, reason string }, 32)}
}

func (r *eventRecorder) handle(ev client.Event) {
	r.ch <- struct{ name, reason string }{ev.Name, ev.Reason}
}

func (r *eventRecorder) wait(t *testing.T, name string) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-r.ch:
			if got.name == name {
				return got.reason
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %q event", name)
			return ""
		}
	}
}

func (r *eventRecorder) none(t *testing.T, name string, within time.Duration) {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case got := <-r.ch:
			if got.name == name {
				t.Fatalf("unexpected %q event", name)
			}
		case <-deadline:
			return
		}
	}
}
