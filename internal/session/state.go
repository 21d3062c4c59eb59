package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/omochice/roomchat/pkg/protocol"
)

// State is the coordinator's position in the room session lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingConnection
	StateJoiningRoom
	StateActive
	StateTimedOut
	StateClosed
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingConnection:
		return "awaiting_connection"
	case StateJoiningRoom:
		return "joining_room"
	case StateActive:
		return "active"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// pending reports whether the state is racing the join deadline.
func (s State) pending() bool {
	return s == StateAwaitingConnection || s == StateJoiningRoom
}

// Snapshot is what the presentation layer renders.
type Snapshot struct {
	State    State
	Room     string
	Messages []protocol.Message
	// Err explains StateTimedOut: a *client.ConnectionError when the
	// connection could not be opened, a *JoinTimeoutError otherwise.
	Err error
}

var (
	// ErrClosed is returned by operations on a closed Coordinator.
	ErrClosed = errors.New("session closed")
	// ErrEmptyRoom is returned by RequestRoom for an empty room id.
	ErrEmptyRoom = errors.New("room id is required")
	// ErrEmptyMessage is returned by SendMessage for blank text.
	ErrEmptyMessage = errors.New("message is empty")
)

// NotActiveError is returned by SendMessage outside StateActive.
type NotActiveError struct {
	State State
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("cannot send message while %s", e.State)
}

// JoinTimeoutError reports that the room was not joined within the deadline.
type JoinTimeoutError struct {
	Room  string
	After time.Duration
}

func (e *JoinTimeoutError) Error() string {
	return fmt.Sprintf("joining room %q timed out after %s", e.Room, e.After)
}

// Identity is the signed-in user on whose behalf the session runs.
type Identity struct {
	Username    string
	AccessToken string
}
