package device

import "errors"

// Domain errors for the device package.
var (
	// ErrUnknownDevice is returned when a lookup references a device id
	// that is not in the configured account.
	ErrUnknownDevice = errors.New("device: unknown device")

	// ErrUnknownGroup is returned when a lookup references a group id
	// that is not in the configured account.
	ErrUnknownGroup = errors.New("device: unknown group")
)
