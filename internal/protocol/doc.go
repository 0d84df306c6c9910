// Package protocol implements the Cync device wire protocol.
//
// Devices speak a binary packet protocol over TLS-wrapped TCP. Every
// packet carries a one-byte message type, a flags byte, a big-endian
// length, and a type-dependent body. Control bodies are addressed to a
// mesh device id and protected by a trailing checksum byte.
//
// The package provides a streaming Decoder for framing inbound bytes,
// typed body parsers, and builders for the outbound packets the
// controller emits (handshake acks, heartbeats, control commands and
// mesh-info requests).
//
// Byte layouts in this package were matched against captures from a
// mixed fleet; do not change field offsets without re-verifying against
// recorded traffic.
package protocol
