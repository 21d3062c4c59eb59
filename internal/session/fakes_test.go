package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/pkg/protocol"
)

type fakeListener struct {
	event string
	h     client.Handler
}

// fakeDial is one dial shared by every Connect caller that arrives while it
// is in flight.
type fakeDial struct {
	done chan struct{}
	err  error
}

// fakeTransport delivers events synchronously on the goroutine that
// triggers them, like the real transport's read loop. Its dial is owned by
// the transport: a caller's context only bounds that caller's wait, and only
// the last Release abandons it.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	gate       chan struct{}
	dial       *fakeDial
	abort      chan struct{}
	connects   int
	dials      int
	refs       int
	released   bool
	next       client.ListenerID
	listeners  map[client.ListenerID]fakeListener
	emitted    []protocol.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		listeners: make(map[client.ListenerID]fakeListener),
		abort:     make(chan struct{}),
	}
}

// hold makes Connect block until open is called.
func (f *fakeTransport) hold() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeTransport) open() {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (f *fakeTransport) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeTransport) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.connected {
		f.mu.Unlock()
		return nil
	}
	d := f.dial
	if d == nil {
		d = &fakeDial{done: make(chan struct{})}
		f.dial = d
		f.dials++
		go f.runDial(d, f.gate, f.abort)
	}
	f.mu.Unlock()

	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTransport) runDial(d *fakeDial, gate, abort chan struct{}) {
	if gate != nil {
		select {
		case <-gate:
		case <-abort:
			f.finishDial(d, &client.ConnectionError{URL: "ws://fake", Err: client.ErrDisconnected}, nil)
			return
		}
	}

	f.mu.Lock()
	cerr := f.connectErr
	f.mu.Unlock()
	if cerr != nil {
		err := &client.ConnectionError{URL: "ws://fake", Err: cerr}
		f.finishDial(d, err, &client.Event{Name: protocol.EventConnectError, Err: err})
		return
	}

	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.finishDial(d, nil, &client.Event{Name: protocol.EventConnect})
}

// finishDial fires ev, if any, before releasing the waiting callers, the
// same order the real transport uses.
func (f *fakeTransport) finishDial(d *fakeDial, err error, ev *client.Event) {
	if ev != nil {
		f.fire(*ev)
	}
	f.mu.Lock()
	f.dial = nil
	f.mu.Unlock()
	d.err = err
	close(d.done)
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) On(event string, h client.Handler) client.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.listeners[f.next] = fakeListener{event: event, h: h}
	return f.next
}

func (f *fakeTransport) Off(id client.ListenerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.listeners[id]
	delete(f.listeners, id)
	return ok
}

func (f *fakeTransport) Emit(_ context.Context, fr protocol.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return client.ErrNotConnected
	}
	f.emitted = append(f.emitted, fr)
	return nil
}

func (f *fakeTransport) Retain() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs++
}

func (f *fakeTransport) Release() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs--
	if f.refs > 0 {
		return false
	}
	f.released = true
	f.connected = false
	close(f.abort)
	f.abort = make(chan struct{})
	return true
}

func (f *fakeTransport) fire(ev client.Event) {
	f.mu.Lock()
	var ids []client.ListenerID
	for id, l := range f.listeners {
		if l.event == ev.Name {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]client.Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, f.listeners[id].h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}

func (f *fakeTransport) joined(room string) {
	f.fire(client.Event{Name: protocol.EventJoined, Frame: protocol.JoinedFrame(room)})
}

func (f *fakeTransport) deliver(room string, msg protocol.Message) {
	fr := protocol.ReceiveFrame(room, msg)
	f.fire(client.Event{Name: protocol.EventReceive, Frame: fr})
}

func (f *fakeTransport) drop() {
	f.setConnected(false)
	f.fire(client.Event{Name: protocol.EventDisconnect, Reason: protocol.ReasonTransportError})
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeTransport) releasedAll() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *fakeTransport) frames(event string) []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Frame
	for _, fr := range f.emitted {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and runs the callbacks that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type fakeHistory struct {
	mu    sync.Mutex
	msgs  map[string][]protocol.Message
	err   error
	gate  chan struct{}
	calls []string
}

func (h *fakeHistory) Messages(ctx context.Context, room string) ([]protocol.Message, error) {
	h.mu.Lock()
	h.calls = append(h.calls, room)
	gate, msgs, err := h.gate, h.msgs[room], h.err
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return msgs, err
}
