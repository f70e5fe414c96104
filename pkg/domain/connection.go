package domain

import (
	"context"
)

// Conn represents one live transport session on the server. The
// implementation exclusively owns the underlying transport handle; no
// other component writes to it directly.
type Conn interface {
	// ID returns the server-assigned connection identity
	ID() string

	// Principal returns the authenticated principal that owns the session
	Principal() string

	// Scope returns the scope the session was opened for
	Scope() string

	// Send queues a message for delivery to the remote end
	Send(ctx context.Context, message []byte) error

	// Close releases the transport handle. Idempotent.
	Close() error

	// Closed reports whether the connection has been closed
	Closed() bool

	// Context is done once the connection is closed
	Context() context.Context
}
