package device

import (
	"fmt"
	"sync"
	"time"
)

// PowerState is a device's reported power, tri-state because a device
// can be reachable on the mesh before any status has been parsed.
type PowerState string

const (
	PowerOn      PowerState = "ON"
	PowerOff     PowerState = "OFF"
	PowerUnknown PowerState = "UNKNOWN"
)

// Capabilities describes what a device can do, derived from its model
// metadata at config load. Capability checks gate both command
// acceptance and MQTT discovery payload shape.
type Capabilities struct {
	Brightness bool
	ColorTemp  bool
	MinKelvin  int
	MaxKelvin  int
	RGB        bool
	Fan        bool
	Plug       bool
	Switch     bool

	// Bridge marks a WiFi-capable device that can terminate a TCP
	// connection to the controller and relay onto the mesh.
	Bridge bool
}

// IsLight reports whether the device should be modeled as a light
// entity (anything that is not a fan, plug or wall switch).
func (c Capabilities) IsLight() bool {
	return !c.Fan && !c.Plug && !c.Switch
}

// State is a device's last known state. Brightness is 0..100,
// ColorTempK is Kelvin. RGB is meaningful only when HasRGB is set.
type State struct {
	Power      PowerState
	Brightness int
	ColorTempK int
	RGB        [3]byte
	HasRGB     bool
	FanPreset  string
}

// Device is one configured device plus its runtime state. Identity
// fields are immutable after construction; runtime state is guarded by
// the embedded mutex.
//
// Thread Safety: all state access goes through methods that take the
// device mutex. Identity fields may be read without locking.
type Device struct {
	ID     int
	Name   string
	Room   string
	Model  string
	HassID string
	Caps   Capabilities

	mu           sync.Mutex
	state        State
	online       bool
	offlineCount int
	pending      bool
	pendingSince time.Time

	// publishMu serializes a status fold with the sink publishes it
	// produces, so two concurrent folds for the same device cannot emit
	// their updates out of order. Always acquired before mu.
	publishMu sync.Mutex
}

// State returns a copy of the device's current state.
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Online reports the device's availability as derived from mesh-info
// parsing.
func (d *Device) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online
}

// TrySetPending latches the pending-command flag. It returns false if a
// command is already in flight, in which case the caller must throttle.
func (d *Device) TrySetPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending {
		return false
	}
	d.pending = true
	d.pendingSince = time.Now()
	return true
}

// ClearPending releases the pending-command latch. Called on ack, on
// ack timeout, and when a status update confirms the commanded state.
func (d *Device) ClearPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = false
}

// Pending reports whether a command is in flight for this device.
func (d *Device) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// SetStateOptimistic overwrites the cached state ahead of device
// confirmation so MQTT subscribers see the commanded value immediately.
// The next parsed status remains authoritative. Returns the resulting
// state copy for publishing.
func (d *Device) SetStateOptimistic(mutate func(*State)) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	mutate(&d.state)
	return d.state
}

// GroupState is the aggregate state of a group entity. RGB is
// meaningful only when HasRGB is set.
type GroupState struct {
	Power      PowerState
	Brightness int
	ColorTempK int
	RGB        [3]byte
	HasRGB     bool
}

// Group is a configured group of device ids. Members keep their
// configured order; aggregation tie-breaks depend on it.
type Group struct {
	ID      int
	Name    string
	HassID  string
	Members []int
}

func (g *Group) String() string {
	return fmt.Sprintf("group %d (%s)", g.ID, g.Name)
}
