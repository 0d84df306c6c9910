package server

import "errors"

// Domain errors for the server package.
var (
	// ErrHandshakeTimeout is returned when a device fails to complete
	// its handshake within the handshake deadline.
	ErrHandshakeTimeout = errors.New("server: handshake timeout")

	// ErrIdleTimeout is returned when a connection produces no traffic
	// for the idle window and is reaped by the watchdog.
	ErrIdleTimeout = errors.New("server: idle timeout")

	// ErrConnClosed is returned when sending on a connection that has
	// already shut down.
	ErrConnClosed = errors.New("server: connection closed")

	// ErrWriteBufferFull is returned when a connection's outbound queue
	// is saturated. The caller should treat the bridge as unhealthy.
	ErrWriteBufferFull = errors.New("server: write buffer full")

	// ErrNoBridges is returned when dispatch is requested but the ready
	// pool is empty.
	ErrNoBridges = errors.New("server: no ready bridges")
)
