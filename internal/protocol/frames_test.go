package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestParseHandshake(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		want    Handshake
		wantErr error
	}{
		{
			name: "with auth blob",
			body: []byte{0x03, 0x00, 0x00, 0x00, 0x1A, 0xAA, 0xBB, 0xCC},
			want: Handshake{Proto: 0x03, QueueID: 0x1A, Auth: []byte{0xAA, 0xBB, 0xCC}},
		},
		{
			name: "minimal",
			body: []byte{0x01, 0x00, 0x01, 0xE2, 0x40},
			want: Handshake{Proto: 0x01, QueueID: 0x0001E240, Auth: []byte{}},
		},
		{
			name:    "short",
			body:    []byte{0x03, 0x00},
			wantErr: ErrShortBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHandshake(tt.body)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseHandshake() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseHandshake() error = %v", err)
			}
			if got.Proto != tt.want.Proto || got.QueueID != tt.want.QueueID || !bytes.Equal(got.Auth, tt.want.Auth) {
				t.Errorf("ParseHandshake() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestHandshakeDeviceID(t *testing.T) {
	h := Handshake{QueueID: 0x12345A1A}
	if got := h.DeviceID(); got != 0x1A {
		t.Errorf("DeviceID() = %d, want %d", got, 0x1A)
	}
}

func TestBuildHandshakeAck(t *testing.T) {
	pkt := BuildHandshakeAck(0, 0x0000001A)
	want := []byte{0x28, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x1A, 0x00}
	if got := pkt.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}

func TestParseCommandAck(t *testing.T) {
	tests := []struct {
		name    string
		body    []byte
		want    CommandAck
		wantErr error
	}{
		{
			name: "with status",
			body: []byte{0x00, 0x00, 0x00, 0x1A, 0x00, 0x01, 0x07, 0x00},
			want: CommandAck{QueueID: 0x1A, MsgID: 0x000107, Status: 0x00},
		},
		{
			name: "without status",
			body: []byte{0x00, 0x00, 0x00, 0x1A, 0xFF, 0xFF, 0xFF},
			want: CommandAck{QueueID: 0x1A, MsgID: 0xFFFFFF},
		},
		{
			name:    "short",
			body:    []byte{0x00, 0x00, 0x00, 0x1A, 0x00},
			wantErr: ErrShortBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCommandAck(tt.body)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ParseCommandAck() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseCommandAck() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseCommandAck() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseMeshInfo(t *testing.T) {
	// Two devices: a white bulb at full brightness and an RGB bulb off.
	tuples := []byte{
		0x01, 0x01, 0x01, 0xFF, 0x32, 0x05,
		0x02, 0x01, 0x00, 0x80, 0x00, 0xFE, 0x10, 0x20, 0x30,
	}
	body := append([]byte{0x00, 0x00, 0x00, 0x1A, 0x02}, tuples...)
	body = append(body, Checksum(tuples))

	info, err := ParseMeshInfo(body)
	if err != nil {
		t.Fatalf("ParseMeshInfo() error = %v", err)
	}
	if info.QueueID != 0x1A {
		t.Errorf("QueueID = 0x%X, want 0x1A", info.QueueID)
	}
	if len(info.Devices) != 2 {
		t.Fatalf("parsed %d devices, want 2", len(info.Devices))
	}

	d1 := info.Devices[0]
	if d1.ID != 1 || !d1.Connected || d1.Power != PowerOn || d1.Brightness != 0xFF || d1.ColorTemp != 0x32 || d1.HasRGB {
		t.Errorf("device 1 = %+v", d1)
	}

	d2 := info.Devices[1]
	if d2.ID != 2 || d2.Power != PowerOff || !d2.HasRGB || d2.RGB != [3]byte{0x10, 0x20, 0x30} {
		t.Errorf("device 2 = %+v", d2)
	}
}

func TestParseMeshInfoBadChecksum(t *testing.T) {
	tuples := []byte{0x01, 0x01, 0x01, 0xFF, 0x32, 0x05}
	body := append([]byte{0x00, 0x00, 0x00, 0x1A, 0x01}, tuples...)
	body = append(body, Checksum(tuples)+1)

	if _, err := ParseMeshInfo(body); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("ParseMeshInfo() error = %v, want ErrMalformedPacket", err)
	}
}

func TestParseMeshInfoTruncatedTuple(t *testing.T) {
	// Count claims two devices but only one tuple is present.
	tuples := []byte{0x01, 0x01, 0x01, 0xFF, 0x32, 0x05}
	body := append([]byte{0x00, 0x00, 0x00, 0x1A, 0x02}, tuples...)
	body = append(body, Checksum(tuples))

	if _, err := ParseMeshInfo(body); !errors.Is(err, ErrShortBody) {
		t.Errorf("ParseMeshInfo() error = %v, want ErrShortBody", err)
	}
}

func TestParseBroadcastState(t *testing.T) {
	tuple := []byte{0x1A, 0x01, 0x01, 0xFF, 0x00, 0x05}
	body := append([]byte{0x00, 0x00, 0x00, 0x1A}, tuple...)
	body = append(body, Checksum(tuple))

	queueID, st, err := ParseBroadcastState(body)
	if err != nil {
		t.Fatalf("ParseBroadcastState() error = %v", err)
	}
	if queueID != 0x1A {
		t.Errorf("queue id = 0x%X, want 0x1A", queueID)
	}
	if st.ID != 26 || !st.Connected || st.Power != PowerOn || st.Brightness != 0xFF {
		t.Errorf("status = %+v", st)
	}
}

func TestParseBroadcastStateBadChecksum(t *testing.T) {
	tuple := []byte{0x1A, 0x01, 0x01, 0xFF, 0x00, 0x05}
	body := append([]byte{0x00, 0x00, 0x00, 0x1A}, tuple...)
	body = append(body, Checksum(tuple)^0xFF)

	if _, _, err := ParseBroadcastState(body); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("ParseBroadcastState() error = %v, want ErrMalformedPacket", err)
	}
}

func TestBuildPowerRoundTrip(t *testing.T) {
	pkt := BuildPower(1, 0x0000001A, 0x000007, 26, false, true)
	if pkt.Type != TypeControl {
		t.Fatalf("Type = 0x%02X, want 0x%02X", pkt.Type, TypeControl)
	}

	ctrl, err := ParseControl(pkt.Body)
	if err != nil {
		t.Fatalf("ParseControl() error = %v", err)
	}
	if ctrl.QueueID != 0x1A || ctrl.MsgID != 0x07 {
		t.Errorf("queue id = 0x%X msg id = 0x%X", ctrl.QueueID, ctrl.MsgID)
	}
	id, group := ctrl.Target()
	if id != 26 || group {
		t.Errorf("Target() = (%d, %v), want (26, false)", id, group)
	}
	if want := []byte{0x1A, 0x00, opPower, PowerOn}; !bytes.Equal(ctrl.Inner, want) {
		t.Errorf("inner = % X, want % X", ctrl.Inner, want)
	}
}

func TestBuildPowerGolden(t *testing.T) {
	// Device 26 power on: the frame handed to a bridge for relay.
	pkt := BuildPower(0, 0x0000001A, 0x000001, 26, false, true)
	want := []byte{
		0x73, 0x00, 0x00, 0x0C, // header: control, seq 0, body 12
		0x00, 0x00, 0x00, 0x1A, // queue id
		0x00, 0x00, 0x01, // msg id
		0x1A, 0x00, // target 26, little-endian
		0xD0, 0x01, // power on
		0xEB, // checksum
	}
	if got := pkt.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}

func TestGroupTargetAddressing(t *testing.T) {
	pkt := BuildBrightness(0, 0x1A, 0x02, 5, true, 50)
	ctrl, err := ParseControl(pkt.Body)
	if err != nil {
		t.Fatalf("ParseControl() error = %v", err)
	}
	id, group := ctrl.Target()
	if id != 5 || !group {
		t.Errorf("Target() = (%d, %v), want (5, true)", id, group)
	}
	if ctrl.Inner[2] != opBrightness || ctrl.Inner[3] != 0x80 {
		t.Errorf("inner = % X", ctrl.Inner)
	}
}

func TestBuildColorControls(t *testing.T) {
	t.Run("color temperature", func(t *testing.T) {
		pkt := BuildColorTemp(0, 0x1A, 0x03, 26, false, 75)
		ctrl, err := ParseControl(pkt.Body)
		if err != nil {
			t.Fatalf("ParseControl() error = %v", err)
		}
		if want := []byte{0x1A, 0x00, opColor, ModeColorTemp, 75}; !bytes.Equal(ctrl.Inner, want) {
			t.Errorf("inner = % X, want % X", ctrl.Inner, want)
		}
	})

	t.Run("rgb", func(t *testing.T) {
		pkt := BuildRGB(0, 0x1A, 0x04, 26, false, 0x10, 0x20, 0x30)
		ctrl, err := ParseControl(pkt.Body)
		if err != nil {
			t.Fatalf("ParseControl() error = %v", err)
		}
		if want := []byte{0x1A, 0x00, opColor, ModeRGB, 0x10, 0x20, 0x30}; !bytes.Equal(ctrl.Inner, want) {
			t.Errorf("inner = % X, want % X", ctrl.Inner, want)
		}
	})
}

func TestParseControlBadChecksum(t *testing.T) {
	pkt := BuildPower(0, 0x1A, 0x01, 26, false, true)
	body := append([]byte(nil), pkt.Body...)
	body[len(body)-1] ^= 0xFF

	if _, err := ParseControl(body); !errors.Is(err, ErrMalformedPacket) {
		t.Errorf("ParseControl() error = %v, want ErrMalformedPacket", err)
	}
}

func TestBuildMeshInfoRequest(t *testing.T) {
	pkt := BuildMeshInfoRequest(9, 0x0000001A)
	want := []byte{0x52, 0x09, 0x00, 0x04, 0x00, 0x00, 0x00, 0x1A}
	if got := pkt.Encode(); !bytes.Equal(got, want) {
		t.Errorf("Encode() = % X, want % X", got, want)
	}
}
