// Package chat provides the connection abstraction and room hub shared by the
// chat client transport and the development server.
package chat

import "context"

// Conn abstracts one websocket connection regardless of the library behind it.
type Conn interface {
	// Read reads a single message frame.
	// Returns io.EOF when the peer closed the connection normally.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single message frame.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
