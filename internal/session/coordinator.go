// Package session coordinates one chat room session: it connects the
// transport, joins the requested room under a deadline, and keeps the
// message store in sync with what the server delivers for that room.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/internal/store"
	"github.com/omochice/roomchat/pkg/protocol"
	"go.uber.org/zap"
)

// DefaultJoinTimeout bounds connecting plus joining a room.
const DefaultJoinTimeout = 30 * time.Second

// Transport is the part of *client.Transport the coordinator drives.
type Transport interface {
	Connect(ctx context.Context) error
	Connected() bool
	On(event string, h client.Handler) client.ListenerID
	Off(id client.ListenerID) bool
	Emit(ctx context.Context, f protocol.Frame) error
	Retain()
	Release() bool
}

// HistoryLoader fetches the persisted messages of a room.
type HistoryLoader interface {
	Messages(ctx context.Context, room string) ([]protocol.Message, error)
}

// roomEvents are the transport events a room session listens to.
var roomEvents = []string{
	protocol.EventConnect,
	protocol.EventDisconnect,
	protocol.EventConnectError,
	protocol.EventJoined,
	protocol.EventReceive,
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithIdentity sets the user that messages are sent as.
func WithIdentity(id Identity) Option {
	return func(c *Coordinator) { c.identity = id }
}

// WithHistory loads the room's persisted messages once it becomes active.
func WithHistory(h HistoryLoader) Option {
	return func(c *Coordinator) { c.history = h }
}

// WithJoinTimeout sets the join deadline.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.joinTimeout = d
		}
	}
}

// WithClock replaces the clock that schedules the join deadline.
func WithClock(clk Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// Coordinator owns the session state machine. All state transitions happen
// on a single goroutine; transport callbacks, deadlines and caller requests
// reach it as messages tagged with the generation they belong to, and
// messages from a superseded generation are dropped.
type Coordinator struct {
	transport   Transport
	identity    Identity
	history     HistoryLoader
	joinTimeout time.Duration
	clock       Clock
	logger      *zap.Logger
	store       *store.Store

	inbox    chan any
	timeouts chan deadline
	quit     chan struct{}
	done     chan struct{}
	bg       sync.WaitGroup
	stale    atomic.Uint64

	// loop-owned
	state         State
	room          string
	err           error
	gen           uint64
	attempt       uint64
	deadlineSeq   uint64
	historySeq    uint64
	recovering    bool
	retained      bool
	listeners     []client.ListenerID
	timer         Timer
	cancelConnect context.CancelFunc
	cancelHistory context.CancelFunc
	pending       []protocol.Message
	live          []protocol.Message

	snapMu sync.RWMutex
	last   Snapshot

	subMu      sync.Mutex
	subs       map[int]chan Snapshot
	nextSub    int
	subsClosed bool
}

type requestRoom struct {
	room  string
	reply chan error
}

type sendMessage struct {
	text  string
	reply chan sendReply
}

type sendReply struct {
	frame protocol.Frame
	err   error
}

type closeSession struct{}

type transportEvent struct {
	gen uint64
	ev  client.Event
}

type connectResult struct {
	gen     uint64
	attempt uint64
	err     error
}

type historyResult struct {
	gen  uint64
	seq  uint64
	msgs []protocol.Message
	err  error
}

type deadline struct {
	seq uint64
}

// New creates a Coordinator in StateIdle and starts its event loop.
func New(t Transport, opts ...Option) *Coordinator {
	c := newCoordinator(t, opts...)
	go c.run()
	return c
}

func newCoordinator(t Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport:   t,
		joinTimeout: DefaultJoinTimeout,
		clock:       realClock{},
		logger:      zap.NewNop(),
		store:       store.New(),
		inbox:       make(chan any, 64),
		timeouts:    make(chan deadline, 4),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
		subs:        make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("session")
	c.last = Snapshot{State: StateIdle}
	return c
}

// RequestRoom starts (or switches to) a session for room. Requesting the
// room that is already active or being joined is a no-op.
func (c *Coordinator) RequestRoom(ctx context.Context, room string) error {
	if room == "" {
		return ErrEmptyRoom
	}
	reply := make(chan error, 1)
	if err := c.post(ctx, requestRoom{room: room, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage emits text to the active room. It fails with a
// *NotActiveError unless the session is StateActive. The message shows up
// in the store only once the server echoes it back.
func (c *Coordinator) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	reply := make(chan sendReply, 1)
	if err := c.post(ctx, sendMessage{text: text, reply: reply}); err != nil {
		return err
	}
	var r sendReply
	select {
	case r = <-reply:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if r.err != nil {
		return r.err
	}
	if err := c.transport.Emit(ctx, r.frame); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Close ends the session, removes its transport listeners and releases the
// transport. It is safe to call more than once.
func (c *Coordinator) Close() error {
	select {
	case c.inbox <- closeSession{}:
	case <-c.done:
	}
	<-c.done
	return nil
}

// Snapshot returns the most recently published session view.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.last
}

// State returns the current state.
func (c *Coordinator) State() State {
	return c.Snapshot().State
}

// Messages iterates over the current room's messages in display order.
func (c *Coordinator) Messages() iter.Seq[protocol.Message] {
	return c.store.All()
}

// StaleEvents counts events dropped because they belonged to a superseded
// room request or connection attempt.
func (c *Coordinator) StaleEvents() uint64 {
	return c.stale.Load()
}

// Subscribe returns a channel carrying the latest snapshot after every
// change. Slow readers only miss intermediate snapshots. The channel is
// closed when the session closes or cancel is called.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	ch <- c.Snapshot()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Coordinator) post(ctx context.Context, msg any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.inbox <- msg:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	for !c.step() {
	}
}

// step handles one message and reports whether the session is closed.
// Everything in the inbox is handled before a pending deadline, so a join
// acknowledgement that is already queued wins over a deadline that fires
// in the same instant.
func (c *Coordinator) step() bool {
	var msg any
	select {
	case msg = <-c.inbox:
	default:
		select {
		case msg = <-c.inbox:
		case d := <-c.timeouts:
			msg = d
		}
	}
	return c.handle(msg)
}

func (c *Coordinator) handle(msg any) bool {
	switch m := msg.(type) {
	case requestRoom:
		m.reply <- c.requestRoom(m.room)
	case sendMessage:
		m.reply <- c.prepareSend(m.text)
	case closeSession:
		c.close()
		return true
	case transportEvent:
		c.onTransportEvent(m)
	case connectResult:
		c.onConnectResult(m)
	case historyResult:
		c.onHistory(m)
	case deadline:
		c.onDeadline(m)
	}
	return false
}

func (c *Coordinator) requestRoom(room string) error {
	if c.state == StateClosed {
		return ErrClosed
	}
	if room == c.room && (c.state.pending() || c.state == StateActive) {
		c.logger.Debug("room already requested", zap.String("room", room), zap.Stringer("state", c.state))
		return nil
	}

	c.teardown()
	c.store.Reset()
	c.gen++
	c.room = room
	c.err = nil

	if !c.retained {
		c.transport.Retain()
		c.retained = true
	}
	for _, name := range roomEvents {
		c.listeners = append(c.listeners, c.listen(c.gen, name))
	}

	c.logger.Info("room requested", zap.String("room", room), zap.Uint64("generation", c.gen))
	c.armDeadline()
	c.attempt++
	if c.transport.Connected() {
		c.join()
	} else {
		c.setState(StateAwaitingConnection)
		c.connect()
	}
	c.publish()
	return nil
}

func (c *Coordinator) prepareSend(text string) sendReply {
	if c.state != StateActive {
		return sendReply{err: &NotActiveError{State: c.state}}
	}
	return sendReply{frame: protocol.SendFrame(c.room, c.identity.Username, text)}
}

func (c *Coordinator) listen(gen uint64, event string) client.ListenerID {
	return c.transport.On(event, func(ev client.Event) {
		select {
		case c.inbox <- transportEvent{gen: gen, ev: ev}:
		case <-c.quit:
		}
	})
}

func (c *Coordinator) unlisten() {
	for _, id := range c.listeners {
		c.transport.Off(id)
	}
	c.listeners = nil
}

// teardown detaches everything that belongs to the current room request.
func (c *Coordinator) teardown() {
	c.unlisten()
	c.stopDeadline()
	if c.cancelConnect != nil {
		c.cancelConnect()
		c.cancelConnect = nil
	}
	if c.cancelHistory != nil {
		c.cancelHistory()
		c.cancelHistory = nil
	}
	c.pending = nil
	c.live = nil
	c.recovering = false
}

func (c *Coordinator) armDeadline() {
	c.stopDeadline()
	seq := c.deadlineSeq
	c.timer = c.clock.AfterFunc(c.joinTimeout, func() {
		select {
		case c.timeouts <- deadline{seq: seq}:
		case <-c.quit:
		}
	})
}

// stopDeadline cancels the pending deadline. A deadline that already fired
// but is still queued is invalidated through deadlineSeq.
func (c *Coordinator) stopDeadline() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.deadlineSeq++
}

func (c *Coordinator) connect() {
	if c.cancelConnect != nil {
		c.cancelConnect()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelConnect = cancel

	gen, attempt := c.gen, c.attempt
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		err := c.transport.Connect(ctx)
		select {
		case c.inbox <- connectResult{gen: gen, attempt: attempt, err: err}:
		case <-c.quit:
		}
	}()
}

func (c *Coordinator) join() {
	c.setState(StateJoiningRoom)
	c.pending = nil

	ctx, cancel := context.WithTimeout(context.Background(), c.joinTimeout)
	defer cancel()
	if err := c.transport.Emit(ctx, protocol.JoinFrame(c.room)); err != nil {
		// The drop that caused this surfaces as a disconnect event.
		c.logger.Warn("failed to send join request", zap.String("room", c.room), zap.Error(err))
	}
}

func (c *Coordinator) activate() {
	c.stopDeadline()
	c.recovering = false
	c.setState(StateActive)

	buffered := c.pending
	c.pending = nil
	c.live = nil
	for _, msg := range buffered {
		if c.store.Append(msg) && c.history != nil {
			c.live = append(c.live, msg)
		}
	}
	c.loadHistory()
	c.publish()
}

// recover starts a fresh connection attempt after the active room lost its
// connection.
func (c *Coordinator) recover() {
	c.recovering = true
	c.attempt++
	c.armDeadline()
	c.setState(StateAwaitingConnection)
	c.connect()
	c.publish()
}

func (c *Coordinator) fail(err error) {
	c.teardown()
	c.err = err
	c.setState(StateTimedOut)
	c.logger.Warn("room session failed", zap.String("room", c.room), zap.Error(err))
	c.publish()
}

func (c *Coordinator) loadHistory() {
	if c.history == nil {
		return
	}
	if c.cancelHistory != nil {
		c.cancelHistory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelHistory = cancel
	c.historySeq++

	gen, seq, room := c.gen, c.historySeq, c.room
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		msgs, err := c.history.Messages(ctx, room)
		select {
		case c.inbox <- historyResult{gen: gen, seq: seq, msgs: msgs, err: err}:
		case <-c.quit:
		}
	}()
}

func (c *Coordinator) onTransportEvent(m transportEvent) {
	if m.gen != c.gen {
		c.dropStale(m.ev.Name, m.gen)
		return
	}
	switch m.ev.Name {
	case protocol.EventConnect:
		if c.state == StateAwaitingConnection {
			c.join()
			c.publish()
		}
	case protocol.EventConnectError:
		if c.state != StateAwaitingConnection {
			return
		}
		if c.recovering {
			c.logger.Debug("reconnect attempt failed", zap.Error(m.ev.Err))
			return
		}
		err := m.ev.Err
		if err == nil {
			err = &client.ConnectionError{Err: client.ErrNotConnected}
		}
		c.fail(err)
	case protocol.EventDisconnect:
		c.logger.Info("connection lost", zap.String("room", c.room), zap.String("reason", m.ev.Reason))
		switch c.state {
		case StateActive:
			c.recover()
		case StateJoiningRoom:
			c.attempt++
			c.setState(StateAwaitingConnection)
			c.connect()
			c.publish()
		}
	case protocol.EventJoined:
		if c.state != StateJoiningRoom || m.ev.Frame.ChatID != c.room {
			c.dropStale(m.ev.Name, m.gen)
			return
		}
		c.activate()
	case protocol.EventReceive:
		c.onMessage(m.ev.Frame)
	}
}

func (c *Coordinator) onMessage(f protocol.Frame) {
	if f.Message == nil || f.ChatID != c.room {
		c.dropStale(f.Event, c.gen)
		return
	}
	msg := *f.Message
	switch c.state {
	case StateActive:
		if !c.store.Append(msg) {
			return
		}
		if c.cancelHistory != nil {
			c.live = append(c.live, msg)
		}
		c.publish()
	case StateJoiningRoom:
		c.pending = append(c.pending, msg)
	default:
		c.dropStale(f.Event, c.gen)
	}
}

func (c *Coordinator) onConnectResult(m connectResult) {
	if m.gen != c.gen || m.attempt != c.attempt {
		c.dropStale("connect_result", m.gen)
		return
	}
	c.cancelConnect = nil
	if c.state != StateAwaitingConnection {
		return
	}
	switch {
	case m.err == nil:
		c.join()
		c.publish()
	case c.recovering:
		c.logger.Debug("reconnect attempt failed", zap.Error(m.err))
	default:
		var cerr *client.ConnectionError
		if !errors.As(m.err, &cerr) {
			cerr = &client.ConnectionError{Err: m.err}
		}
		c.fail(cerr)
	}
}

func (c *Coordinator) onHistory(m historyResult) {
	if m.gen != c.gen || m.seq != c.historySeq || c.cancelHistory == nil {
		c.dropStale("history", m.gen)
		return
	}
	c.cancelHistory()
	c.cancelHistory = nil
	live := c.live
	c.live = nil

	if m.err != nil {
		c.logger.Warn("failed to load history", zap.String("room", c.room), zap.Error(m.err))
		return
	}
	c.store.ReplaceAll(m.msgs)
	for _, msg := range live {
		c.store.Append(msg)
	}
	c.logger.Debug("history loaded", zap.String("room", c.room), zap.Int("count", len(m.msgs)))
	c.publish()
}

func (c *Coordinator) onDeadline(m deadline) {
	if m.seq != c.deadlineSeq || !c.state.pending() {
		c.dropStale("deadline", c.gen)
		return
	}
	c.timer = nil
	c.fail(&JoinTimeoutError{Room: c.room, After: c.joinTimeout})
}

func (c *Coordinator) close() {
	close(c.quit)
	c.teardown()
	if c.retained {
		c.transport.Release()
		c.retained = false
	}
	c.setState(StateClosed)
	c.publish()

	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subsClosed = true
	c.subMu.Unlock()

	c.bg.Wait()
}

func (c *Coordinator) dropStale(event string, gen uint64) {
	c.stale.Add(1)
	c.logger.Debug("stale event ignored",
		zap.String("event", event),
		zap.Uint64("generation", gen),
		zap.Uint64("current", c.gen),
		zap.String("room", c.room),
		zap.Stringer("state", c.state),
	)
}

func (c *Coordinator) setState(s State) {
	if s == c.state {
		return
	}
	c.logger.Debug("state changed",
		zap.String("from", c.state.String()),
		zap.String("to", s.String()),
		zap.String("room", c.room),
	)
	c.state = s
}

// publish stores the current view and hands it to subscribers, replacing
// any snapshot they have not read yet.
func (c *Coordinator) publish() {
	snap := Snapshot{
		State:    c.state,
		Room:     c.room,
		Messages: c.store.Snapshot(),
		Err:      c.err,
	}
	c.snapMu.Lock()
	c.last = snap
	c.snapMu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
