package commands

import "errors"

var (
	// ErrThrottled is returned when a command is refused because a prior
	// command for the same device or group is still in flight.
	ErrThrottled = errors.New("commands: prior command pending")

	// ErrNoBridgeAvailable is returned when the ready pool holds no
	// bridge to carry the command. Callers must not block waiting.
	ErrNoBridgeAvailable = errors.New("commands: no bridge available")

	// ErrAckTimeout marks a dispatched command that expired without an
	// ack from any bridge. Delivered through the completion callback;
	// the next mesh snapshot reconciles actual state.
	ErrAckTimeout = errors.New("commands: ack timeout")

	// ErrUnsupported is returned when the target device lacks the
	// capability the command requires.
	ErrUnsupported = errors.New("commands: capability not supported")
)
