package protocol

import "errors"

// Domain errors for the protocol package.
var (
	// ErrMalformedPacket is returned when a packet body fails checksum
	// validation or carries an impossible field. The caller should drop
	// the packet and keep the connection open.
	ErrMalformedPacket = errors.New("protocol: malformed packet")

	// ErrFraming is returned when the byte stream is unrecoverably
	// corrupted (for example a declared length beyond MaxBodyLen).
	// The caller must close the connection.
	ErrFraming = errors.New("protocol: framing error")

	// ErrShortBody is returned when a typed body parser receives fewer
	// bytes than the type's fixed layout requires.
	ErrShortBody = errors.New("protocol: body too short")
)
