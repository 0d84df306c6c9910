package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Message types used on the device link.
const (
	// TypeHandshake is the first packet a device sends after the TLS
	// handshake completes.
	TypeHandshake byte = 0x23

	// TypeHandshakeAck is the controller's reply to a handshake.
	TypeHandshakeAck byte = 0x28

	// TypeBroadcastState carries a single device's state, pushed by a
	// bridge without being asked.
	TypeBroadcastState byte = 0x43

	// TypeCommandAck acknowledges a control packet, echoing its queue
	// id and msg id.
	TypeCommandAck byte = 0x48

	// TypeMeshInfo is both the request for and the response carrying a
	// snapshot of every device the bridge can see on the mesh.
	TypeMeshInfo byte = 0x52

	// TypeControl carries a command addressed to a mesh device id.
	TypeControl byte = 0x73

	// TypeHeartbeatDevice is the periodic keepalive sent by devices.
	TypeHeartbeatDevice byte = 0xD3

	// TypeHeartbeatCloud is the keepalive the cloud (and therefore this
	// controller) sends back.
	TypeHeartbeatCloud byte = 0xD8
)

// Framing constants.
const (
	// headerLen is type(1) + seq(1) + length(2, big-endian).
	headerLen = 4

	// MaxBodyLen is the largest body a well-formed packet may declare.
	// Anything larger indicates stream corruption.
	MaxBodyLen = 4096
)

// Packet is a framed unit on the device link. Body layout depends on
// Type; see the parsers in frames.go.
type Packet struct {
	Type byte
	Seq  byte
	Body []byte
}

// Encode serializes the packet into wire format.
//
// The header is type(1) + seq(1) + body length(2, big-endian). The body
// is appended verbatim; control bodies must already carry their
// checksum (see BuildControl).
func (p Packet) Encode() []byte {
	buf := make([]byte, headerLen+len(p.Body))
	buf[0] = p.Type
	buf[1] = p.Seq
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(p.Body)))
	copy(buf[headerLen:], p.Body)
	return buf
}

// String returns a compact human-readable form for debug logging.
func (p Packet) String() string {
	return fmt.Sprintf("Packet{type:0x%02X seq:%d len:%d}", p.Type, p.Seq, len(p.Body))
}

// Decoder frames a byte stream into packets.
//
// A frame whose declared length has not fully arrived is held until the
// remaining bytes are read; a frame declaring more than MaxBodyLen
// yields ErrFraming and the stream must be abandoned.
//
// Decoder is not safe for concurrent use; each connection owns exactly
// one reader goroutine.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, MaxBodyLen+headerLen)}
}

// ReadPacket reads the next packet from the stream.
//
// Returns io.EOF (possibly wrapped) when the connection ends cleanly,
// ErrFraming when the stream is corrupted, or the underlying read error.
func (d *Decoder) ReadPacket() (Packet, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		return Packet{}, fmt.Errorf("read header: %w", err)
	}

	bodyLen := int(binary.BigEndian.Uint16(hdr[2:4]))
	if bodyLen > MaxBodyLen {
		return Packet{}, fmt.Errorf("%w: declared body %d exceeds %d", ErrFraming, bodyLen, MaxBodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Packet{}, fmt.Errorf("read body: %w", err)
	}

	return Packet{Type: hdr[0], Seq: hdr[1], Body: body}, nil
}

// Checksum computes the payload checksum used by control and mesh-info
// bodies: the byte sum of data modulo 256.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// WireToPercent converts wire brightness (0..255) to percent (0..100).
func WireToPercent(wire byte) int {
	return (int(wire)*100 + 127) / 255
}

// PercentToWire converts percent brightness (0..100) to the wire scale.
// Out-of-range input is clamped.
func PercentToWire(pct int) byte {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return byte((pct*255 + 50) / 100)
}

// KelvinToWire maps a Kelvin value into the device's 0..100 wire scale
// for its declared [minK, maxK] range. Values are clamped to the range.
func KelvinToWire(k, minK, maxK int) byte {
	if maxK <= minK {
		return 0
	}
	if k < minK {
		k = minK
	}
	if k > maxK {
		k = maxK
	}
	return byte((k - minK) * 100 / (maxK - minK))
}

// WireToKelvin is the inverse of KelvinToWire.
func WireToKelvin(wire byte, minK, maxK int) int {
	if maxK <= minK {
		return minK
	}
	if wire > 100 {
		wire = 100
	}
	return minK + int(wire)*(maxK-minK)/100
}
