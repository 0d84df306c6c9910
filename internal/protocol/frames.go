package protocol

import (
	"encoding/binary"
	"fmt"
)

// Inner payload opcodes for control packets.
const (
	opPower      byte = 0xD0
	opBrightness byte = 0xD2
	opColor      byte = 0xE2
)

// Color sub-modes shared by control payloads and status tuples.
const (
	// ModeColorTemp selects the white color-temperature channel.
	ModeColorTemp byte = 0x05

	// ModeRGB selects the RGB channel. In status tuples a mode byte of
	// ModeRGB means the tuple is followed by three RGB bytes.
	ModeRGB byte = 0xFE
)

// Power byte values seen in status tuples.
const (
	PowerOff     byte = 0x00
	PowerOn      byte = 0x01
	PowerUnknown byte = 0xFF
)

// groupFlag marks the high bit of a 16-bit control target, addressing a
// mesh group id rather than a single device id.
const groupFlag uint16 = 0x8000

// Handshake is the parsed body of a TypeHandshake packet.
type Handshake struct {
	// Proto is the protocol version byte the device announces.
	Proto byte

	// QueueID identifies the device's session queue. Echoed verbatim in
	// the handshake ack and in every control packet sent to the device.
	QueueID uint32

	// Auth is the opaque authorization blob. The controller does not
	// validate it; devices only require an ack.
	Auth []byte
}

// DeviceID returns the mesh device id embedded in the queue id.
func (h Handshake) DeviceID() int {
	return int(h.QueueID & 0xFF)
}

// ParseHandshake parses a TypeHandshake body:
// proto(1) + queue id(4, big-endian) + auth blob.
func ParseHandshake(body []byte) (Handshake, error) {
	if len(body) < 5 {
		return Handshake{}, fmt.Errorf("%w: handshake needs 5 bytes, got %d", ErrShortBody, len(body))
	}
	return Handshake{
		Proto:   body[0],
		QueueID: binary.BigEndian.Uint32(body[1:5]),
		Auth:    body[5:],
	}, nil
}

// CommandAck is the parsed body of a TypeCommandAck packet. Devices echo
// the queue id and msg id of the control packet being acknowledged.
type CommandAck struct {
	QueueID uint32
	MsgID   uint32
	Status  byte
}

// ParseCommandAck parses a TypeCommandAck body:
// queue id(4, big-endian) + msg id(3, big-endian) + optional status(1).
func ParseCommandAck(body []byte) (CommandAck, error) {
	if len(body) < 7 {
		return CommandAck{}, fmt.Errorf("%w: command ack needs 7 bytes, got %d", ErrShortBody, len(body))
	}
	ack := CommandAck{
		QueueID: binary.BigEndian.Uint32(body[0:4]),
		MsgID:   uint32(body[4])<<16 | uint32(body[5])<<8 | uint32(body[6]),
	}
	if len(body) >= 8 {
		ack.Status = body[7]
	}
	return ack, nil
}

// DeviceStatus is one device's entry in a mesh-info snapshot or a
// broadcast-state packet.
type DeviceStatus struct {
	ID         int
	Connected  bool
	Power      byte // PowerOff, PowerOn or PowerUnknown
	Brightness byte // wire scale 0..255
	ColorTemp  byte // wire scale 0..100
	Mode       byte
	RGB        [3]byte
	HasRGB     bool
}

// MeshInfo is the parsed body of a TypeMeshInfo response.
type MeshInfo struct {
	QueueID uint32
	Devices []DeviceStatus
}

// ParseMeshInfo parses a TypeMeshInfo response body:
// queue id(4, big-endian) + count(1) + per-device tuples + checksum(1).
//
// Each tuple is {id, connected, power, brightness, color_temp, mode},
// followed by three RGB bytes when mode == ModeRGB. The trailing
// checksum covers the tuple region; a mismatch yields
// ErrMalformedPacket and no fields may be trusted.
func ParseMeshInfo(body []byte) (MeshInfo, error) {
	if len(body) < 6 {
		return MeshInfo{}, fmt.Errorf("%w: mesh info needs 6 bytes, got %d", ErrShortBody, len(body))
	}
	info := MeshInfo{QueueID: binary.BigEndian.Uint32(body[0:4])}
	count := int(body[4])

	tuples := body[5 : len(body)-1]
	if got, want := body[len(body)-1], Checksum(tuples); got != want {
		return MeshInfo{}, fmt.Errorf("%w: mesh info checksum 0x%02X, computed 0x%02X", ErrMalformedPacket, got, want)
	}

	off := 0
	for i := 0; i < count; i++ {
		st, n, err := parseStatusTuple(tuples[off:])
		if err != nil {
			return MeshInfo{}, fmt.Errorf("device %d of %d: %w", i+1, count, err)
		}
		info.Devices = append(info.Devices, st)
		off += n
	}
	return info, nil
}

// ParseBroadcastState parses a TypeBroadcastState body:
// queue id(4, big-endian) + one status tuple + checksum(1).
func ParseBroadcastState(body []byte) (uint32, DeviceStatus, error) {
	if len(body) < 11 {
		return 0, DeviceStatus{}, fmt.Errorf("%w: broadcast state needs 11 bytes, got %d", ErrShortBody, len(body))
	}
	queueID := binary.BigEndian.Uint32(body[0:4])

	tuple := body[4 : len(body)-1]
	if got, want := body[len(body)-1], Checksum(tuple); got != want {
		return 0, DeviceStatus{}, fmt.Errorf("%w: broadcast checksum 0x%02X, computed 0x%02X", ErrMalformedPacket, got, want)
	}

	st, n, err := parseStatusTuple(tuple)
	if err != nil {
		return 0, DeviceStatus{}, err
	}
	if n != len(tuple) {
		return 0, DeviceStatus{}, fmt.Errorf("%w: broadcast carries %d trailing bytes", ErrMalformedPacket, len(tuple)-n)
	}
	return queueID, st, nil
}

// parseStatusTuple decodes one device tuple, returning the status and
// the number of bytes consumed.
func parseStatusTuple(data []byte) (DeviceStatus, int, error) {
	if len(data) < 6 {
		return DeviceStatus{}, 0, fmt.Errorf("%w: status tuple needs 6 bytes, got %d", ErrShortBody, len(data))
	}
	st := DeviceStatus{
		ID:         int(data[0]),
		Connected:  data[1] != 0,
		Power:      data[2],
		Brightness: data[3],
		ColorTemp:  data[4],
		Mode:       data[5],
	}
	n := 6
	if st.Mode == ModeRGB {
		if len(data) < 9 {
			return DeviceStatus{}, 0, fmt.Errorf("%w: rgb tuple needs 9 bytes, got %d", ErrShortBody, len(data))
		}
		copy(st.RGB[:], data[6:9])
		st.HasRGB = true
		n = 9
	}
	return st, n, nil
}

// Control is a parsed control body, used when observing relayed traffic.
type Control struct {
	QueueID uint32
	MsgID   uint32
	Inner   []byte // checksum stripped
}

// Target returns the addressed device or group id and whether the high
// group bit was set.
func (c Control) Target() (id int, group bool) {
	if len(c.Inner) < 2 {
		return 0, false
	}
	t := binary.LittleEndian.Uint16(c.Inner[0:2])
	return int(t &^ groupFlag), t&groupFlag != 0
}

// ParseControl parses a TypeControl body:
// queue id(4, big-endian) + msg id(3, big-endian) + inner payload +
// checksum(1) over the inner payload.
func ParseControl(body []byte) (Control, error) {
	if len(body) < 8 {
		return Control{}, fmt.Errorf("%w: control needs 8 bytes, got %d", ErrShortBody, len(body))
	}
	inner := body[7 : len(body)-1]
	if got, want := body[len(body)-1], Checksum(inner); got != want {
		return Control{}, fmt.Errorf("%w: control checksum 0x%02X, computed 0x%02X", ErrMalformedPacket, got, want)
	}
	return Control{
		QueueID: binary.BigEndian.Uint32(body[0:4]),
		MsgID:   uint32(body[4])<<16 | uint32(body[5])<<8 | uint32(body[6]),
		Inner:   inner,
	}, nil
}

// BuildHandshakeAck builds the TypeHandshakeAck reply to a handshake.
func BuildHandshakeAck(seq byte, queueID uint32) Packet {
	body := make([]byte, 5)
	binary.BigEndian.PutUint32(body[0:4], queueID)
	return Packet{Type: TypeHandshakeAck, Seq: seq, Body: body}
}

// BuildHeartbeatCloud builds the periodic cloud-side keepalive.
func BuildHeartbeatCloud(seq byte) Packet {
	return Packet{Type: TypeHeartbeatCloud, Seq: seq}
}

// BuildMeshInfoRequest builds the snapshot request sent to a bridge.
// Bridges distinguish the request from a response by its body length.
func BuildMeshInfoRequest(seq byte, queueID uint32) Packet {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, queueID)
	return Packet{Type: TypeMeshInfo, Seq: seq, Body: body}
}

// buildControl frames an inner payload as a TypeControl packet,
// appending the checksum byte.
func buildControl(seq byte, queueID, msgID uint32, inner []byte) Packet {
	body := make([]byte, 0, 8+len(inner))
	body = binary.BigEndian.AppendUint32(body, queueID)
	body = append(body, byte(msgID>>16), byte(msgID>>8), byte(msgID))
	body = append(body, inner...)
	body = append(body, Checksum(inner))
	return Packet{Type: TypeControl, Seq: seq, Body: body}
}

// targetBytes encodes a device or group target in the inner payload's
// little-endian field. Target ids are big-endian everywhere else; the
// inner field is little-endian per the vendor's firmware.
func targetBytes(id int, group bool) []byte {
	t := uint16(id)
	if group {
		t |= groupFlag
	}
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, t)
	return b
}

// BuildPower builds a power on/off control packet for a device or group.
func BuildPower(seq byte, queueID, msgID uint32, target int, group, on bool) Packet {
	arg := PowerOff
	if on {
		arg = PowerOn
	}
	inner := append(targetBytes(target, group), opPower, arg)
	return buildControl(seq, queueID, msgID, inner)
}

// BuildBrightness builds a brightness control packet. pct is 0..100.
func BuildBrightness(seq byte, queueID, msgID uint32, target int, group bool, pct int) Packet {
	inner := append(targetBytes(target, group), opBrightness, PercentToWire(pct))
	return buildControl(seq, queueID, msgID, inner)
}

// BuildColorTemp builds a white color-temperature control packet.
// wire is the device's 0..100 scale (see KelvinToWire).
func BuildColorTemp(seq byte, queueID, msgID uint32, target int, group bool, wire byte) Packet {
	inner := append(targetBytes(target, group), opColor, ModeColorTemp, wire)
	return buildControl(seq, queueID, msgID, inner)
}

// BuildRGB builds an RGB color control packet.
func BuildRGB(seq byte, queueID, msgID uint32, target int, group bool, r, g, b byte) Packet {
	inner := append(targetBytes(target, group), opColor, ModeRGB, r, g, b)
	return buildControl(seq, queueID, msgID, inner)
}
