package domain

import (
	"errors"
)

// Common domain errors
var (
	// ErrConnectionClosed is returned when trying to use a closed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrStaleConnection is returned when an operation references a
	// connection identity that has already been closed
	ErrStaleConnection = errors.New("stale connection")

	// ErrRouterClosed is returned when publishing through a stopped router
	ErrRouterClosed = errors.New("router closed")

	// ErrNotConnected is returned when a client operation requires an
	// established session
	ErrNotConnected = errors.New("not connected")

	// ErrGaveUp is returned once the reconnection attempt budget is spent
	ErrGaveUp = errors.New("reconnection attempts exhausted")
)
