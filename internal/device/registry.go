package device

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cync-lan/cync-lan/internal/protocol"
)

// Logger is the minimal logging interface the registry needs.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}

// StateSink receives state and availability transitions. The MQTT
// bridge implements it; a no-op sink is used until the bridge attaches.
type StateSink interface {
	PublishDeviceState(d *Device, s State)
	PublishDeviceAvailability(d *Device, online bool)
	PublishGroupState(g *Group, s GroupState)
}

type noopSink struct{}

func (noopSink) PublishDeviceState(*Device, State)       {}
func (noopSink) PublishDeviceAvailability(*Device, bool) {}
func (noopSink) PublishGroupState(*Group, GroupState)    {}

// HistoryRecorder persists state transitions for diagnostics. Optional;
// recording failures are logged, never propagated.
type HistoryRecorder interface {
	RecordState(deviceID int, s State, online bool) error
}

// offlineThreshold is the number of consecutive snapshots reporting a
// device as disconnected before it is marked offline. A single
// connected snapshot brings it back immediately.
const offlineThreshold = 3

// Registry is the in-memory source of truth for device and group state.
// The device and group sets are fixed at construction; only per-device
// runtime state mutates afterwards.
//
// Thread Safety: safe for concurrent use. The maps are read-only after
// construction; per-device state is guarded by each device's mutex and
// registry-level caches by mu.
type Registry struct {
	accountID int
	devices   map[int]*Device
	order     []int
	groups    map[int]*Group
	groupIDs  []int
	memberOf  map[int][]int // device id -> group ids

	mu             sync.RWMutex
	sink           StateSink
	history        HistoryRecorder
	lastGroupState map[int]GroupState
	unknownLogged  map[int]bool

	logger Logger
}

// NewRegistry builds a registry from the configured devices and groups.
// HassID fields left empty are derived as "<accountID>-<id>".
func NewRegistry(accountID int, devices []*Device, groups []*Group, logger Logger) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	r := &Registry{
		accountID:      accountID,
		devices:        make(map[int]*Device, len(devices)),
		groups:         make(map[int]*Group, len(groups)),
		memberOf:       make(map[int][]int),
		sink:           noopSink{},
		lastGroupState: make(map[int]GroupState),
		unknownLogged:  make(map[int]bool),
		logger:         logger,
	}
	for _, d := range devices {
		if d.HassID == "" {
			d.HassID = fmt.Sprintf("%d-%d", accountID, d.ID)
		}
		if d.state.Power == "" {
			d.state.Power = PowerUnknown
		}
		r.devices[d.ID] = d
		r.order = append(r.order, d.ID)
	}
	sort.Ints(r.order)
	for _, g := range groups {
		if g.HassID == "" {
			g.HassID = fmt.Sprintf("%d-group-%d", accountID, g.ID)
		}
		r.groups[g.ID] = g
		r.groupIDs = append(r.groupIDs, g.ID)
		for _, id := range g.Members {
			r.memberOf[id] = append(r.memberOf[id], g.ID)
		}
	}
	sort.Ints(r.groupIDs)
	return r
}

// AccountID returns the configured account id.
func (r *Registry) AccountID() int { return r.accountID }

// SetSink attaches the state sink. Call before traffic starts.
func (r *Registry) SetSink(sink StateSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sink != nil {
		r.sink = sink
	}
}

// SetHistory attaches the optional state-history recorder.
func (r *Registry) SetHistory(h HistoryRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = h
}

// Get returns the device with the given mesh id.
func (r *Registry) Get(id int) (*Device, error) {
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownDevice, id)
	}
	return d, nil
}

// GetByHassID returns the device with the given Home Assistant id.
func (r *Registry) GetByHassID(hassID string) (*Device, error) {
	for _, d := range r.devices {
		if d.HassID == hassID {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: hass id %q", ErrUnknownDevice, hassID)
}

// Devices returns all devices in ascending id order.
func (r *Registry) Devices() []*Device {
	out := make([]*Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.devices[id])
	}
	return out
}

// Bridges returns the WiFi-capable devices, in ascending id order.
func (r *Registry) Bridges() []*Device {
	var out []*Device
	for _, id := range r.order {
		if d := r.devices[id]; d.Caps.Bridge {
			out = append(out, d)
		}
	}
	return out
}

// GetGroup returns the group with the given id.
func (r *Registry) GetGroup(id int) (*Group, error) {
	g, ok := r.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownGroup, id)
	}
	return g, nil
}

// GetGroupByHassID returns the group with the given Home Assistant id.
func (r *Registry) GetGroupByHassID(hassID string) (*Group, error) {
	for _, g := range r.groups {
		if g.HassID == hassID {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: hass id %q", ErrUnknownGroup, hassID)
}

// Groups returns all groups in ascending id order.
func (r *Registry) Groups() []*Group {
	out := make([]*Group, 0, len(r.groupIDs))
	for _, id := range r.groupIDs {
		out = append(out, r.groups[id])
	}
	return out
}

// ApplyStatus folds one parsed status tuple into the registry. This is
// the only code path that writes device availability.
//
// Availability: a connected tuple marks the device online immediately;
// a device goes offline only after offlineThreshold consecutive
// disconnected tuples, absorbing transient mesh flaps. State fields are
// trusted only when the tuple reports the device connected.
//
// Concurrent calls for the same device serialize: each fold's publishes
// complete before the next fold starts, so subscribers never see an
// older state after a newer one.
func (r *Registry) ApplyStatus(st protocol.DeviceStatus) {
	d, ok := r.devices[st.ID]
	if !ok {
		r.logUnknownOnce(st.ID)
		return
	}

	d.publishMu.Lock()
	defer d.publishMu.Unlock()

	d.mu.Lock()
	wasOnline := d.online
	oldState := d.state

	if st.Connected {
		d.offlineCount = 0
		d.online = true
		r.foldState(d, st)
	} else {
		d.offlineCount++
		if d.offlineCount >= offlineThreshold {
			d.online = false
		}
	}

	online := d.online
	newState := d.state
	stateChanged := st.Connected && newState != oldState
	if stateChanged && d.pending {
		// A fresh device-reported state confirms or supersedes the
		// in-flight command either way.
		d.pending = false
	}
	d.mu.Unlock()

	r.mu.RLock()
	sink := r.sink
	history := r.history
	r.mu.RUnlock()

	if online != wasOnline {
		r.logger.Info("device availability changed",
			"device_id", d.ID, "name", d.Name, "online", online)
		sink.PublishDeviceAvailability(d, online)
	}
	if stateChanged {
		sink.PublishDeviceState(d, newState)
	}
	if history != nil && (online != wasOnline || stateChanged) {
		if err := history.RecordState(d.ID, newState, online); err != nil {
			r.logger.Warn("state history write failed", "device_id", d.ID, "error", err)
		}
	}
	if online != wasOnline || stateChanged {
		r.publishAffectedGroups(d.ID, sink)
	}
}

// foldState applies a connected tuple's state bytes to the device.
// Caller holds d.mu.
func (r *Registry) foldState(d *Device, st protocol.DeviceStatus) {
	switch st.Power {
	case protocol.PowerOn:
		d.state.Power = PowerOn
	case protocol.PowerOff:
		d.state.Power = PowerOff
	default:
		// Unknown power byte: keep the previous value.
	}

	if d.Caps.Brightness || d.Caps.Fan {
		d.state.Brightness = protocol.WireToPercent(st.Brightness)
	}
	if d.Caps.Fan {
		d.state.FanPreset = FanPresetForBrightness(d.state.Brightness, d.state.Power)
	}
	if d.Caps.ColorTemp && st.Mode == protocol.ModeColorTemp {
		d.state.ColorTempK = protocol.WireToKelvin(st.ColorTemp, d.Caps.MinKelvin, d.Caps.MaxKelvin)
	}
	if d.Caps.RGB && st.HasRGB {
		d.state.RGB = st.RGB
		d.state.HasRGB = true
	}
}

func (r *Registry) logUnknownOnce(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unknownLogged[id] {
		return
	}
	r.unknownLogged[id] = true
	r.logger.Debug("status for unconfigured device id, ignoring", "device_id", id)
}

// publishAffectedGroups recomputes aggregates for every group the
// device belongs to and publishes those whose aggregate changed.
func (r *Registry) publishAffectedGroups(deviceID int, sink StateSink) {
	for _, gid := range r.memberOf[deviceID] {
		g := r.groups[gid]
		if !r.GroupHasEntity(g) {
			continue
		}
		agg := r.AggregateGroup(g)

		r.mu.Lock()
		last, seen := r.lastGroupState[gid]
		if seen && last == agg {
			r.mu.Unlock()
			continue
		}
		r.lastGroupState[gid] = agg
		r.mu.Unlock()

		sink.PublishGroupState(g, agg)
	}
}
