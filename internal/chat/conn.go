// Package chat implements the room-based messaging core: sessions, the room
// registry and the dispatcher that drives the per-session protocol.
package chat

import "context"

// Conn abstracts one framed, bidirectional transport connection.
// This interface isolates transport details from chat logic.
type Conn interface {
	// Read returns the next complete frame. It returns io.EOF once the peer
	// has closed the connection.
	Read(ctx context.Context) ([]byte, error)

	// Write sends a single frame. Implementations honour the context deadline.
	Write(ctx context.Context, data []byte) error

	// Close closes the connection and unblocks pending Read and Write calls.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string
}
