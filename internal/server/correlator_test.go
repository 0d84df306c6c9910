package server

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cync-lan/cync-lan/internal/protocol"
)

func TestCorrelatorAck(t *testing.T) {
	c := NewCorrelator(time.Second)
	defer c.Stop()

	results := make(chan CommandResult, 1)
	msgID := c.NextMsgID()
	c.Track(msgID, 26, "power", func(r CommandResult) { results <- r })

	latency, ok := c.Resolve(7, protocol.CommandAck{MsgID: msgID, Status: 0x00})
	if !ok {
		t.Fatal("Resolve() = false for tracked command")
	}
	if latency < 0 {
		t.Errorf("latency = %v", latency)
	}

	select {
	case r := <-results:
		if r.TimedOut || r.DeviceID != 26 || r.Action != "power" {
			t.Errorf("result = %+v", r)
		}
		if r.BridgeID != 7 {
			t.Errorf("bridge id = %d, want 7", r.BridgeID)
		}
	case <-time.After(time.Second):
		t.Fatal("completion not delivered")
	}

	if c.Pending() != 0 {
		t.Errorf("Pending() = %d after ack, want 0", c.Pending())
	}
}

func TestCorrelatorDuplicateAck(t *testing.T) {
	c := NewCorrelator(time.Second)
	defer c.Stop()

	var completions atomic.Int32
	msgID := c.NextMsgID()
	c.Track(msgID, 26, "power", func(CommandResult) { completions.Add(1) })

	ack := protocol.CommandAck{MsgID: msgID}
	if _, ok := c.Resolve(7, ack); !ok {
		t.Fatal("first Resolve() = false")
	}
	// The second bridge's ack finds no pending entry.
	if _, ok := c.Resolve(9, ack); ok {
		t.Error("second Resolve() = true, want false")
	}
	if got := completions.Load(); got != 1 {
		t.Errorf("completion fired %d times, want exactly once", got)
	}
}

func TestCorrelatorTimeout(t *testing.T) {
	c := NewCorrelator(50 * time.Millisecond)
	defer c.Stop()

	results := make(chan CommandResult, 1)
	msgID := c.NextMsgID()
	c.Track(msgID, 26, "brightness", func(r CommandResult) { results <- r })

	select {
	case r := <-results:
		if !r.TimedOut {
			t.Errorf("result = %+v, want timeout", r)
		}
		if r.Action != "brightness" {
			t.Errorf("action = %q", r.Action)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout result not delivered")
	}

	// A late ack after expiry is a no-op.
	if _, ok := c.Resolve(7, protocol.CommandAck{MsgID: msgID}); ok {
		t.Error("Resolve() = true after expiry")
	}
}

func TestCorrelatorMsgIDWraps24Bits(t *testing.T) {
	c := NewCorrelator(time.Second)
	defer c.Stop()

	for i := 0; i < 10; i++ {
		if id := c.NextMsgID(); id > 0xFFFFFF {
			t.Fatalf("NextMsgID() = 0x%X exceeds 24 bits", id)
		}
	}
}
