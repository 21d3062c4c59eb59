package client

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Emit when there is no open connection.
var ErrNotConnected = errors.New("not connected to server")

// ErrDisconnected is returned by Connect when Disconnect was called while the
// dial was still in flight.
var ErrDisconnected = errors.New("disconnected while connecting")

// ErrUnknownEngine is returned by NewDialer for unsupported engine names.
var ErrUnknownEngine = errors.New("unknown websocket engine")

// ConnectionError reports that the transport could not open a connection.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
