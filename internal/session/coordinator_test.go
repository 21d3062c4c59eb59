package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/omochice/roomchat/internal/client"
	"github.com/omochice/roomchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const waitFor = 2 * time.Second

func newTestSession(t *testing.T, ft *fakeTransport, opts ...Option) (*Coordinator, *fakeClock) {
	t.Helper()
	clk := &fakeClock{}
	base := []Option{WithClock(clk), WithIdentity(Identity{Username: "alice", AccessToken: "token"})}
	c := New(ft, append(base, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c, clk
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, waitFor, time.Millisecond,
		"state = %s, want %s", c.State(), want)
}

func activate(t *testing.T, c *Coordinator, ft *fakeTransport, room string) {
	t.Helper()
	require.NoError(t, c.RequestRoom(context.Background(), room))
	waitState(t, c, StateJoiningRoom)
	ft.joined(room)
	waitState(t, c, StateActive)
}

func message(id string, at time.Duration) protocol.Message {
	return protocol.Message{
		ID:        protocol.MessageID(id),
		Text:      "text " + id,
		CreatedAt: time.Date(2024, 9, 1, 10, 0, 0, 0, time.UTC).Add(at),
		Sender:    protocol.User{Username: "bob"},
	}
}

func storedIDs(c *Coordinator) []protocol.MessageID {
	var out []protocol.MessageID
	for m := range c.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func TestCoordinator_ConnectThenJoin(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ft := newFakeTransport()
	ft.hold()
	c, _ := newTestSession(t, ft, WithLogger(zap.New(core)))

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	assert.Equal(t, StateAwaitingConnection, c.State())
	assert.Empty(t, ft.frames(protocol.EventJoin))

	ft.open()
	waitState(t, c, StateJoiningRoom)
	joins := ft.frames(protocol.EventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "abc", joins[0].ChatID)

	ft.joined("abc")
	waitState(t, c, StateActive)

	var transitions []string
	for _, e := range logs.FilterMessage("state changed").All() {
		transitions = append(transitions, e.ContextMap()["to"].(string))
	}
	assert.Equal(t, []string{"awaiting_connection", "joining_room", "active"}, transitions)
}

func TestCoordinator_AlreadyConnectedSkipsAwaiting(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))

	assert.Equal(t, StateJoiningRoom, c.State())
	assert.Equal(t, 0, ft.connectCount())
	assert.Len(t, ft.frames(protocol.EventJoin), 1)
}

func TestCoordinator_EmptyRoom(t *testing.T) {
	c, _ := newTestSession(t, newFakeTransport())

	assert.ErrorIs(t, c.RequestRoom(context.Background(), ""), ErrEmptyRoom)
	assert.Equal(t, StateIdle, c.State())
}

func TestCoordinator_JoinTimeout(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, clk := newTestSession(t, ft, WithJoinTimeout(10*time.Second))

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	clk.Advance(9 * time.Second)
	assert.Equal(t, StateJoiningRoom, c.State())

	clk.Advance(time.Second)
	waitState(t, c, StateTimedOut)

	snap := c.Snapshot()
	var terr *JoinTimeoutError
	require.ErrorAs(t, snap.Err, &terr)
	assert.Equal(t, "abc", terr.Room)
	assert.Equal(t, 10*time.Second, terr.After)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, 0, ft.listenerCount())

	var nerr *NotActiveError
	require.ErrorAs(t, c.SendMessage(context.Background(), "hi"), &nerr)
	assert.Equal(t, StateTimedOut, nerr.State)
}

func TestCoordinator_RequestAgainAfterTimeout(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, clk := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	clk.Advance(DefaultJoinTimeout)
	waitState(t, c, StateTimedOut)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	assert.Equal(t, StateJoiningRoom, c.State())
	assert.NoError(t, c.Snapshot().Err)
	assert.Len(t, ft.frames(protocol.EventJoin), 2)

	ft.joined("abc")
	waitState(t, c, StateActive)
}

func TestCoordinator_ConnectErrorFailsEarly(t *testing.T) {
	refused := errors.New("connection refused")
	ft := newFakeTransport()
	ft.failWith(refused)
	c, clk := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	waitState(t, c, StateTimedOut)

	err := c.Snapshot().Err
	var cerr *client.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 0, clk.armed())
}

func TestCoordinator_RepeatedRequestIsNoop(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	assert.Len(t, ft.frames(protocol.EventJoin), 1)

	ft.joined("abc")
	waitState(t, c, StateActive)
	ft.deliver("abc", message("1", 0))
	require.Eventually(t, func() bool { return len(storedIDs(c)) == 1 }, waitFor, time.Millisecond)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	assert.Equal(t, StateActive, c.State())
	assert.Len(t, ft.frames(protocol.EventJoin), 1)
	assert.Equal(t, []protocol.MessageID{"1"}, storedIDs(c))
	assert.Equal(t, len(roomEvents), ft.listenerCount())
}

func TestCoordinator_SwitchRoom(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)
	activate(t, c, ft, "abc")
	ft.deliver("abc", message("1", 0))
	require.Eventually(t, func() bool { return len(storedIDs(c)) == 1 }, waitFor, time.Millisecond)

	require.NoError(t, c.RequestRoom(context.Background(), "xyz"))

	snap := c.Snapshot()
	assert.Equal(t, StateJoiningRoom, snap.State)
	assert.Equal(t, "xyz", snap.Room)
	assert.Empty(t, snap.Messages)
	assert.Equal(t, len(roomEvents), ft.listenerCount())

	stale := c.StaleEvents()
	ft.deliver("abc", message("2", 0))
	ft.joined("abc")
	require.Eventually(t, func() bool { return c.StaleEvents() == stale+2 }, waitFor, time.Millisecond)
	assert.Equal(t, StateJoiningRoom, c.State())
	assert.Empty(t, storedIDs(c))

	ft.joined("xyz")
	waitState(t, c, StateActive)
	assert.Equal(t, "xyz", c.Snapshot().Room)
}

func TestCoordinator_SupersededRequestDeadlineCancelled(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, clk := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	clk.Advance(20 * time.Second)
	require.NoError(t, c.RequestRoom(context.Background(), "xyz"))

	// abc's deadline would have passed here
	clk.Advance(15 * time.Second)
	assert.Equal(t, StateJoiningRoom, c.State())
	assert.Equal(t, 1, clk.armed())

	clk.Advance(15 * time.Second)
	waitState(t, c, StateTimedOut)
	var terr *JoinTimeoutError
	require.ErrorAs(t, c.Snapshot().Err, &terr)
	assert.Equal(t, "xyz", terr.Room)
}

func TestCoordinator_SwitchRoomWhileConnecting(t *testing.T) {
	ft := newFakeTransport()
	ft.hold()
	c, _ := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	require.Eventually(t, func() bool { return ft.dialCount() == 1 }, waitFor, time.Millisecond)
	stale := c.StaleEvents()

	require.NoError(t, c.RequestRoom(context.Background(), "xyz"))
	// abc's Connect call gives up and its result is discarded
	require.Eventually(t, func() bool { return c.StaleEvents() > stale }, waitFor, time.Millisecond)
	snap := c.Snapshot()
	assert.Equal(t, StateAwaitingConnection, snap.State)
	assert.Equal(t, "xyz", snap.Room)
	assert.NoError(t, snap.Err)

	ft.open()
	waitState(t, c, StateJoiningRoom)
	assert.Equal(t, 1, ft.dialCount())
	joins := ft.frames(protocol.EventJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "xyz", joins[0].ChatID)

	ft.joined("xyz")
	waitState(t, c, StateActive)
}

func TestCoordinator_DialFailureAfterSwitchFailsCurrentRoom(t *testing.T) {
	refused := errors.New("connection refused")
	ft := newFakeTransport()
	ft.hold()
	ft.failWith(refused)
	c, _ := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	require.Eventually(t, func() bool { return ft.dialCount() == 1 }, waitFor, time.Millisecond)
	require.NoError(t, c.RequestRoom(context.Background(), "xyz"))

	ft.open()
	waitState(t, c, StateTimedOut)
	snap := c.Snapshot()
	assert.Equal(t, "xyz", snap.Room)
	assert.ErrorIs(t, snap.Err, refused)
}

func TestCoordinator_PeerCloseKeepsSharedDial(t *testing.T) {
	ft := newFakeTransport()
	ft.hold()
	first, _ := newTestSession(t, ft)
	second, _ := newTestSession(t, ft)

	require.NoError(t, first.RequestRoom(context.Background(), "abc"))
	require.NoError(t, second.RequestRoom(context.Background(), "xyz"))
	require.Eventually(t, func() bool { return ft.connectCount() == 2 }, waitFor, time.Millisecond)

	require.NoError(t, first.Close())
	assert.False(t, ft.releasedAll())
	assert.Equal(t, StateAwaitingConnection, second.State())

	ft.open()
	waitState(t, second, StateJoiningRoom)
	assert.Equal(t, 1, ft.dialCount())
	ft.joined("xyz")
	waitState(t, second, StateActive)
	assert.NoError(t, second.Snapshot().Err)

	require.NoError(t, second.Close())
	assert.True(t, ft.releasedAll())
}

func TestCoordinator_SendMessage(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)
	ctx := context.Background()

	var nerr *NotActiveError
	require.ErrorAs(t, c.SendMessage(ctx, "hello"), &nerr)
	assert.Equal(t, StateIdle, nerr.State)

	activate(t, c, ft, "abc")

	assert.ErrorIs(t, c.SendMessage(ctx, "   "), ErrEmptyMessage)
	require.NoError(t, c.SendMessage(ctx, "hello"))

	sent := ft.frames(protocol.EventSend)
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.SendFrame("abc", "alice", "hello"), sent[0])
	// the store only changes when the server echoes the message back
	assert.Empty(t, storedIDs(c))
}

func TestCoordinator_SendMessageTransportError(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)
	activate(t, c, ft, "abc")

	ft.setConnected(false)
	assert.ErrorIs(t, c.SendMessage(context.Background(), "hello"), client.ErrNotConnected)
}

func TestCoordinator_MessagesFilteredByRoomAndDeduplicated(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)
	activate(t, c, ft, "abc")

	ft.deliver("abc", message("1", 0))
	ft.deliver("other", message("2", 0))
	ft.deliver("abc", message("1", 0))
	ft.deliver("abc", message("3", 0))

	require.Eventually(t, func() bool { return len(storedIDs(c)) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []protocol.MessageID{"1", "3"}, storedIDs(c))
}

func TestCoordinator_BuffersMessagesBeforeAck(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	ft.deliver("abc", message("early", 0))
	ft.joined("abc")

	waitState(t, c, StateActive)
	assert.Equal(t, []protocol.MessageID{"early"}, storedIDs(c))
}

func TestCoordinator_RecoversAfterDrop(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, clk := newTestSession(t, ft)
	activate(t, c, ft, "abc")
	ft.deliver("abc", message("1", 0))
	require.Eventually(t, func() bool { return len(storedIDs(c)) == 1 }, waitFor, time.Millisecond)

	ft.hold()
	ft.drop()
	waitState(t, c, StateAwaitingConnection)
	assert.Equal(t, 1, clk.armed())

	ft.open()
	waitState(t, c, StateJoiningRoom)
	assert.Len(t, ft.frames(protocol.EventJoin), 2)

	ft.joined("abc")
	waitState(t, c, StateActive)
	assert.Equal(t, []protocol.MessageID{"1"}, storedIDs(c))
	assert.Equal(t, 0, clk.armed())
}

func TestCoordinator_RecoveryBoundedByDeadline(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, clk := newTestSession(t, ft)
	activate(t, c, ft, "abc")

	ft.failWith(errors.New("refused"))
	ft.drop()
	waitState(t, c, StateAwaitingConnection)
	require.Eventually(t, func() bool { return ft.connectCount() == 1 }, waitFor, time.Millisecond)

	clk.Advance(DefaultJoinTimeout)
	waitState(t, c, StateTimedOut)
	var terr *JoinTimeoutError
	assert.ErrorAs(t, c.Snapshot().Err, &terr)
}

func TestCoordinator_DropWhileJoiningKeepsDeadline(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, clk := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	clk.Advance(20 * time.Second)

	ft.hold()
	ft.drop()
	waitState(t, c, StateAwaitingConnection)

	clk.Advance(10 * time.Second)
	waitState(t, c, StateTimedOut)
}

func TestCoordinator_LoadsHistory(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	h := &fakeHistory{
		msgs: map[string][]protocol.Message{
			"abc": {message("h2", time.Minute), message("h1", 0)},
		},
		gate: make(chan struct{}),
	}
	c, _ := newTestSession(t, ft, WithHistory(h))
	activate(t, c, ft, "abc")

	ft.deliver("abc", message("live", 2*time.Minute))
	ft.deliver("abc", message("h2", time.Minute))
	require.Eventually(t, func() bool { return len(storedIDs(c)) == 2 }, waitFor, time.Millisecond)

	close(h.gate)
	require.Eventually(t, func() bool { return len(storedIDs(c)) == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []protocol.MessageID{"h1", "h2", "live"}, storedIDs(c))
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []string{"abc"}, h.calls)
}

func TestCoordinator_HistoryFailureKeepsLiveMessages(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ft := newFakeTransport()
	ft.setConnected(true)
	h := &fakeHistory{err: errors.New("boom"), gate: make(chan struct{})}
	c, _ := newTestSession(t, ft, WithHistory(h), WithLogger(zap.New(core)))
	activate(t, c, ft, "abc")

	ft.deliver("abc", message("live", 0))
	require.Eventually(t, func() bool { return len(storedIDs(c)) == 1 }, waitFor, time.Millisecond)

	close(h.gate)
	require.Eventually(t, func() bool {
		return logs.FilterMessage("failed to load history").Len() == 1
	}, waitFor, time.Millisecond)
	assert.Equal(t, []protocol.MessageID{"live"}, storedIDs(c))
}

func TestCoordinator_SubscribeSeesLatestSnapshot(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)

	ch, cancel := c.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, StateIdle, first.State)

	activate(t, c, ft, "abc")
	ft.deliver("abc", message("1", 0))

	deadline := time.After(waitFor)
	for {
		select {
		case snap := <-ch:
			if snap.State == StateActive && len(snap.Messages) == 1 {
				assert.Equal(t, "abc", snap.Room)
				return
			}
		case <-deadline:
			t.Fatal("no snapshot with the delivered message")
		}
	}
}

func TestCoordinator_Close(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnected(true)
	c, _ := newTestSession(t, ft)
	activate(t, c, ft, "abc")
	ch, _ := c.Subscribe()

	require.NoError(t, c.Close())

	assert.Equal(t, StateClosed, c.State())
	assert.Equal(t, 0, ft.listenerCount())
	assert.True(t, ft.releasedAll())
	assert.ErrorIs(t, c.RequestRoom(context.Background(), "abc"), ErrClosed)
	assert.ErrorIs(t, c.SendMessage(context.Background(), "hi"), ErrClosed)
	require.NoError(t, c.Close())

	for range ch {
	}
	late, _ := c.Subscribe()
	_, ok := <-late
	assert.False(t, ok)
}

func TestCoordinator_CloseWhileConnecting(t *testing.T) {
	ft := newFakeTransport()
	ft.hold()
	c, _ := newTestSession(t, ft)

	require.NoError(t, c.RequestRoom(context.Background(), "abc"))
	require.Eventually(t, func() bool { return ft.connectCount() == 1 }, waitFor, time.Millisecond)

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
}

// Whatever sequence of requests and deliveries happens, the store only ever
// holds messages of the room that was requested last.
func TestCoordinator_StoreOnlyHoldsLatestRoom(t *testing.T) {
	rooms := []string{"abc", "xyz", "lobby"}
	for seed := range uint64(5) {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			ft := newFakeTransport()
			ft.setConnected(true)
			c, _ := newTestSession(t, ft)
			rng := rand.New(rand.NewPCG(seed, 42))
			ctx := context.Background()

			var last string
			for i := range 60 {
				switch rng.IntN(3) {
				case 0:
					last = rooms[rng.IntN(len(rooms))]
					require.NoError(t, c.RequestRoom(ctx, last))
				case 1:
					ft.joined(rooms[rng.IntN(len(rooms))])
				default:
					room := rooms[rng.IntN(len(rooms))]
					ft.deliver(room, message(fmt.Sprintf("%s-%d", room, i), 0))
				}
			}
			if last == "" {
				last = rooms[0]
				require.NoError(t, c.RequestRoom(ctx, last))
			}
			ft.joined(last)
			waitState(t, c, StateActive)
			ft.deliver(last, message(last+"-final", 0))
			require.Eventually(t, func() bool {
				for m := range c.Messages() {
					if m.ID == protocol.MessageID(last+"-final") {
						return true
					}
				}
				return false
			}, waitFor, time.Millisecond)

			for m := range c.Messages() {
				assert.True(t, strings.HasPrefix(string(m.ID), last+"-"), "message %s in room %s", m.ID, last)
			}
		})
	}
}
