// Package server implements a development chat server that speaks the room
// protocol over websockets and serves room history over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
	"go.uber.org/zap"
)

// DefaultHistoryLimit is the number of messages kept per room.
const DefaultHistoryLimit = 200

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHistoryLimit bounds the messages kept per room. Zero keeps everything.
func WithHistoryLimit(n int) Option {
	return func(s *Server) { s.rooms.limit = n }
}

// WithClock sets the source of message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server represents a websocket chat server with rooms.
type Server struct {
	address  string
	hub      *chat.Hub
	rooms    *roomLog
	logger   *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	clients  map[*chat.Client]*wsConn
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Server instance
func New(address string, opts ...Option) *Server {
	s := &Server{
		address: address,
		hub:     chat.NewHub(),
		rooms:   newRoomLog(DefaultHistoryLimit),
		logger:  zap.NewNop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // development server, any origin
			},
		},
		now:     time.Now,
		clients: make(map[*chat.Client]*wsConn),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("server")
	return s
}

// Handler returns the HTTP handler serving /ws and /messages.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /messages", s.handleMessages)
	return mux
}

// Listen binds the server address. Start calls it when needed.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Unlock()
	return nil
}

// Start serves until Stop is called. It returns nil after Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	bound := s.listener != nil
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	srv, listener := s.server, s.listener
	s.mu.Unlock()

	s.logger.Info("server started", zap.String("addr", listener.Addr().String()))
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop closes the listener and every client connection, then waits for the
// client goroutines to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		srv, listener := s.server, s.listener
		conns := make([]*wsConn, 0, len(s.clients))
		for _, conn := range s.clients {
			conns = append(conns, conn)
		}
		s.mu.Unlock()

		if srv != nil {
			if err := srv.Close(); err != nil {
				s.logger.Debug("close http server", zap.Error(err))
			}
		}
		// Close only covers listeners that reached Serve.
		if listener != nil {
			_ = listener.Close()
		}
		for _, conn := range conns {
			_ = conn.Close()
		}
		s.wg.Wait()
		s.logger.Info("server stopped")
	})
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// RoomSize returns the number of clients in room.
func (s *Server) RoomSize(room string) int {
	return s.hub.RoomSize(room)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}
	wc := newConn(conn)
	client := &chat.Client{
		Conn:     wc,
		Username: r.URL.Query().Get("username"),
		Outgoing: make(chan []byte, 64),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = wc.Close()
		return
	}
	s.clients[client] = wc
	s.wg.Add(1)
	s.mu.Unlock()

	s.hub.Register(client)
	go s.serveClient(client, wc)
}

func (s *Server) serveClient(client *chat.Client, wc *wsConn) {
	defer s.wg.Done()
	log := s.logger.With(zap.String("remote", wc.RemoteAddr()))
	log.Debug("client connected")

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for data := range client.Outgoing {
			if err := wc.Write(ctx, data); err != nil {
				log.Debug("failed to send frame", zap.Error(err))
				return
			}
		}
	}()

	defer func() {
		s.hub.Unregister(client)
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		close(client.Outgoing)
		<-writerDone
		cancel()
		_ = wc.Close()
		log.Debug("client disconnected")
	}()

	for {
		data, err := wc.Read(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !websocket.IsUnexpectedCloseError(err) {
				log.Debug("read failed", zap.Error(err))
			}
			return
		}

		var codec protocol.Codec = protocol.JSONCodec{}
		if wc.lastBinary.Load() {
			codec = protocol.ProtoCodec{}
		}
		frame, err := codec.Decode(data)
		if err != nil {
			log.Warn("failed to decode frame", zap.Error(err))
			continue
		}
		if client.Codec == nil {
			client.Codec = codec
			wc.outBinary.Store(codec.Binary())
		}
		s.handleFrame(client, frame, log)
	}
}

func (s *Server) handleFrame(client *chat.Client, f protocol.Frame, log *zap.Logger) {
	switch f.Event {
	case protocol.EventJoin:
		if f.ChatID == "" {
			log.Warn("join without room")
			return
		}
		s.hub.Join(client, f.ChatID)
		if _, err := client.Send(protocol.JoinedFrame(f.ChatID)); err != nil {
			log.Warn("failed to acknowledge join", zap.Error(err))
		}
		log.Info("client joined room", zap.String("room", f.ChatID))

	case protocol.EventSend:
		room := f.ChatID
		if room == "" {
			room = s.hub.RoomOf(client)
		}
		if room == "" {
			log.Warn("message without room")
			return
		}
		sender := f.Sender
		if sender == "" {
			sender = client.Username
		}
		msg := protocol.Message{
			ID:        protocol.MessageID(uuid.NewString()),
			Text:      f.Text,
			CreatedAt: s.now().UTC(),
			Sender:    protocol.User{Username: sender},
		}
		s.rooms.add(room, msg)
		n, err := s.hub.Broadcast(room, protocol.ReceiveFrame(room, msg))
		if err != nil {
			log.Warn("failed to broadcast message", zap.Error(err))
			return
		}
		log.Debug("message broadcast", zap.String("room", room), zap.Int("recipients", n))

	default:
		log.Debug("unhandled event", zap.String("event", f.Event))
	}
}
