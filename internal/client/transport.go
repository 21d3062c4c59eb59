// Package client implements the chat Transport: one logical, reconnectable
// websocket connection with named-event subscriptions.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/roomchat/internal/chat"
	"github.com/omochice/roomchat/pkg/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ConnState is the lifecycle state of the connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of ConnState
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Event is delivered to handlers registered with On.
type Event struct {
	// Name is the event name, a protocol.Event* constant.
	Name string
	// Frame is the decoded inbound frame. It is empty for local events.
	Frame protocol.Frame
	// Reason explains an EventDisconnect.
	Reason string
	// Err is set for EventConnectError and for drops caused by an error.
	Err error
}

// Handler receives events. Handlers run on the transport's goroutines and
// must not call Disconnect or Release.
type Handler func(Event)

// ListenerID identifies one registration made with On.
type ListenerID uint64

type listener struct {
	id      ListenerID
	handler Handler
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer sets the dialer. The default is the nhooyr engine.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithCodec sets the frame codec. The default is JSON.
func WithCodec(c protocol.Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithBackoff enables reconnecting after unrequested drops using b.
func WithBackoff(b Backoff) Option {
	return func(t *Transport) {
		t.backoff = b
		t.reconnect = true
	}
}

// WithoutReconnect disables reconnecting after drops.
func WithoutReconnect() Option {
	return func(t *Transport) { t.reconnect = false }
}

// WithDialTimeout bounds each dial attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

// WithSendLimit throttles Emit to r frames per second with the given burst.
func WithSendLimit(r rate.Limit, burst int) Option {
	return func(t *Transport) { t.limiter = rate.NewLimiter(r, burst) }
}

// Transport maintains one logical connection to the chat server.
type Transport struct {
	url         string
	dialer      Dialer
	codec       protocol.Codec
	logger      *zap.Logger
	backoff     Backoff
	reconnect   bool
	dialTimeout time.Duration
	limiter     *rate.Limiter
	flight      singleflight.Group

	mu        sync.Mutex
	state     ConnState
	conn      chat.Conn
	gen       uint64
	stopDial  context.CancelFunc
	stopRead  context.CancelFunc
	readDone  chan struct{}
	listeners map[string][]listener
	nextID    ListenerID
	refs      int

	reconnectCancel context.CancelFunc
	reconnectDone   chan struct{}
}

// New creates a Transport for the websocket endpoint at url. It does not
// connect until Connect is called.
func New(url string, opts ...Option) *Transport {
	t := &Transport{
		url:       url,
		codec:     protocol.JSONCodec{},
		logger:    zap.NewNop(),
		backoff:   DefaultBackoff(),
		reconnect: true,
		listeners: make(map[string][]listener),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Named("transport")
	if t.dialer == nil {
		t.dialer, _ = NewDialer(EngineNhooyr, nil, !t.codec.Binary())
	}
	return t
}

// State returns the connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether the connection is open.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Connect opens the connection and returns once it is confirmed open.
// It is a no-op when already connected; concurrent callers share a single
// dial and its result. Dial failures are returned as *ConnectionError and
// also delivered as EventConnectError.
//
// The dial belongs to the Transport, not to the caller: ctx only bounds how
// long this caller waits. A dial is cancelled by Disconnect alone.
func (t *Transport) Connect(ctx context.Context) error {
	ch := t.flight.DoChan("connect", func() (any, error) {
		return nil, t.connect()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) connect() error {
	t.mu.Lock()
	if t.state == StateConnected {
		t.mu.Unlock()
		return nil
	}
	t.state = StateConnecting
	gen := t.gen
	dialCtx, stopDial := context.WithCancel(context.Background())
	t.stopDial = stopDial
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.gen == gen {
			t.stopDial = nil
		}
		t.mu.Unlock()
		stopDial()
	}()

	if t.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(dialCtx, t.dialTimeout)
		defer cancel()
	}

	conn, err := t.dialer.Dial(dialCtx, t.url)
	if err != nil {
		t.mu.Lock()
		current := t.gen == gen
		if current && t.state == StateConnecting {
			t.state = StateDisconnected
		}
		t.mu.Unlock()

		if !current {
			// abandoned by Disconnect
			t.logger.Debug("dial abandoned", zap.String("url", t.url), zap.Error(err))
			return &ConnectionError{URL: t.url, Err: ErrDisconnected}
		}
		cerr := &ConnectionError{URL: t.url, Err: err}
		t.logger.Warn("failed to connect", zap.String("url", t.url), zap.Error(err))
		t.dispatch(Event{Name: protocol.EventConnectError, Err: cerr})
		return cerr
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		_ = conn.Close()
		return &ConnectionError{URL: t.url, Err: ErrDisconnected}
	}
	readCtx, stopRead := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	t.conn = conn
	t.state = StateConnected
	t.stopRead = stopRead
	t.readDone = done
	t.mu.Unlock()

	go t.readLoop(readCtx, conn, gen, ready, done)

	t.logger.Info("connected", zap.String("url", t.url), zap.String("remote", conn.RemoteAddr()))
	t.dispatch(Event{Name: protocol.EventConnect})
	close(ready)
	return nil
}

// readLoop decodes frames from conn and dispatches them until the connection
// drops or Disconnect cancels ctx. It waits for ready so EventConnect is
// always delivered before any frame.
func (t *Transport) readLoop(ctx context.Context, conn chat.Conn, gen uint64, ready, done chan struct{}) {
	defer close(done)

	select {
	case <-ready:
	case <-ctx.Done():
		return
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.handleDrop(conn, gen, err)
			return
		}

		frame, err := t.codec.Decode(data)
		if err != nil {
			t.logger.Warn("failed to decode frame", zap.Error(err))
			continue
		}
		t.dispatch(Event{Name: frame.Event, Frame: frame})
	}
}

func (t *Transport) handleDrop(conn chat.Conn, gen uint64, err error) {
	t.mu.Lock()
	if t.gen != gen || t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.state = StateDisconnected
	t.stopRead = nil
	reconnect := t.reconnect
	t.mu.Unlock()

	_ = conn.Close()

	reason := protocol.ReasonTransportError
	switch {
	case errors.Is(err, io.EOF):
		reason = protocol.ReasonServerDisconnect
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF):
		reason = protocol.ReasonTransportClose
	}
	t.logger.Warn("connection lost", zap.String("reason", reason), zap.Error(err))
	t.dispatch(Event{Name: protocol.EventDisconnect, Reason: reason, Err: err})

	if reconnect {
		t.startReconnect(gen)
	}
}

func (t *Transport) startReconnect(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen || t.reconnectCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.reconnectCancel = cancel
	t.reconnectDone = done
	go t.reconnectLoop(ctx, done)
}

// reconnectLoop dials with backoff until connected, exhausted or cancelled.
// The connected check and the clearing of the loop's registration happen
// under one lock so a drop racing with success is never lost.
func (t *Transport) reconnectLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for attempt := 1; ; attempt++ {
		if t.backoff.exhausted(attempt) {
			t.logger.Warn("giving up reconnecting", zap.Int("attempts", attempt-1))
			t.clearReconnect(ctx)
			return
		}

		timer := time.NewTimer(t.backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		t.logger.Info("reconnecting", zap.Int("attempt", attempt))
		err := t.Connect(ctx)

		t.mu.Lock()
		if ctx.Err() != nil {
			t.mu.Unlock()
			return
		}
		if t.state == StateConnected {
			t.reconnectCancel = nil
			t.reconnectDone = nil
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		if err == nil {
			// connected and dropped again before we looked
			attempt = 0
		}
	}
}

func (t *Transport) clearReconnect(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ctx.Err() == nil {
		t.reconnectCancel = nil
		t.reconnectDone = nil
	}
}

// Disconnect closes the connection, abandons an in-flight dial and stops
// any pending reconnect. It is
// idempotent. After it returns the state is disconnected and no further
// inbound events are delivered from the closed connection.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.gen++
	conn := t.conn
	t.conn = nil
	t.state = StateDisconnected
	stopDial := t.stopDial
	t.stopDial = nil
	stopRead := t.stopRead
	t.stopRead = nil
	readDone := t.readDone
	t.readDone = nil
	cancelReconnect, reconnectDone := t.reconnectCancel, t.reconnectDone
	t.reconnectCancel, t.reconnectDone = nil, nil
	t.mu.Unlock()

	if stopDial != nil {
		stopDial()
	}
	if cancelReconnect != nil {
		cancelReconnect()
		<-reconnectDone
	}
	if stopRead != nil {
		stopRead()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			t.logger.Debug("close connection", zap.Error(err))
		}
		t.logger.Info("disconnected", zap.String("url", t.url))
	}
	if readDone != nil {
		<-readDone
	}
}

// Retain registers a consumer of the connection.
func (t *Transport) Retain() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs++
}

// Release drops a consumer registered with Retain. When no consumer remains
// the connection is closed and Release reports true.
func (t *Transport) Release() bool {
	t.mu.Lock()
	if t.refs > 0 {
		t.refs--
	}
	last := t.refs == 0
	t.mu.Unlock()

	if last {
		t.Disconnect()
	}
	return last
}

// On registers h for events named event. Handlers for the same event stack
// and run in registration order.
func (t *Transport) On(event string, h Handler) ListenerID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.listeners[event] = append(t.listeners[event], listener{id: id, handler: h})
	return id
}

// Off removes the registration id without affecting other handlers. It
// reports whether the registration existed.
func (t *Transport) Off(id ListenerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for event, ls := range t.listeners {
		for i, l := range ls {
			if l.id != id {
				continue
			}
			// copy so a dispatch in progress keeps its own slice
			rest := make([]listener, 0, len(ls)-1)
			rest = append(rest, ls[:i]...)
			rest = append(rest, ls[i+1:]...)
			if len(rest) == 0 {
				delete(t.listeners, event)
			} else {
				t.listeners[event] = rest
			}
			return true
		}
	}
	return false
}

// ListenerCount returns the number of handlers registered for event.
func (t *Transport) ListenerCount(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.listeners[event])
}

func (t *Transport) dispatch(ev Event) {
	t.mu.Lock()
	ls := t.listeners[ev.Name]
	t.mu.Unlock()

	for _, l := range ls {
		l.handler(ev)
	}
}

// Emit encodes f and writes it to the connection. Delivery is not
// confirmed; the chat protocol acknowledges what it needs to.
func (t *Transport) Emit(ctx context.Context, f protocol.Frame) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := t.codec.Encode(f)
	if err != nil {
		return err
	}

	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("failed to send %s: %w", f.Event, err)
		}
	}

	if err := conn.Write(ctx, data); err != nil {
		return fmt.Errorf("failed to send %s: %w", f.Event, err)
	}
	return nil
}
