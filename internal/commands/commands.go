package commands

import (
	"fmt"
	"sync"
	"time"

	"github.com/cync-lan/cync-lan/internal/device"
	"github.com/cync-lan/cync-lan/internal/protocol"
	"github.com/cync-lan/cync-lan/internal/server"
)

// Logger is the minimal logging interface the command layer needs.
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

// Target is one dispatchable bridge connection.
type Target interface {
	DeviceID() int
	QueueID() uint32
	NextSeq() byte
	Send(pkt protocol.Packet) error
}

// BridgeSelector picks dispatch targets from the ready pool.
type BridgeSelector interface {
	Select(n int) ([]Target, error)
}

// Tracker correlates dispatched commands with their acks.
type Tracker interface {
	NextMsgID() uint32
	Track(msgID uint32, deviceID int, action string, done func(server.CommandResult))
	Cancel(msgID uint32)
}

// Refresher accepts mesh snapshot requests. The refresh controller
// implements it; preferredBridge 0 means any bridge.
type Refresher interface {
	RequestRefresh(preferredBridge int)
}

type noopRefresher struct{}

func (noopRefresher) RequestRefresh(int) {}

// PerfRecorder receives command round-trip measurements when perf
// tracking is enabled.
type PerfRecorder interface {
	WriteCommandLatency(deviceID int, action string, latency time.Duration, timedOut bool)
}

// Config carries command-layer tuning.
type Config struct {
	// Targets is how many bridges each command is dispatched to. Mesh
	// delivery is lossy per path; a second bridge sharply cuts lost
	// commands. Default 2.
	Targets int

	// PerfTracking enables latency recording and slow-command warnings.
	PerfTracking bool

	// SlowThreshold is the round-trip latency above which a command is
	// logged as slow. Only consulted when PerfTracking is set.
	SlowThreshold time.Duration
}

// DefaultTargets is the dispatch fan-out when Config.Targets is unset.
const DefaultTargets = 2

// API is the semantic command surface. The MQTT bridge translates
// inbound set-topic payloads into these calls; each call validates,
// throttles, serializes, dispatches and publishes optimistically, then
// returns without waiting for the ack.
//
// Thread Safety: safe for concurrent use.
type API struct {
	cfg       Config
	registry  *device.Registry
	bridges   BridgeSelector
	tracker   Tracker
	sink      device.StateSink
	refresher Refresher
	perf      PerfRecorder
	logger    Logger

	groupMu      sync.Mutex
	groupPending map[int]bool
}

// New creates the command API. Attach the state sink, refresher and
// perf recorder before traffic starts.
func New(cfg Config, registry *device.Registry, bridges BridgeSelector, tracker Tracker, logger Logger) *API {
	if cfg.Targets <= 0 {
		cfg.Targets = DefaultTargets
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &API{
		cfg:          cfg,
		registry:     registry,
		bridges:      bridges,
		tracker:      tracker,
		sink:         noopSink{},
		refresher:    noopRefresher{},
		logger:       logger,
		groupPending: make(map[int]bool),
	}
}

type noopSink struct{}

func (noopSink) PublishDeviceState(*device.Device, device.State)    {}
func (noopSink) PublishDeviceAvailability(*device.Device, bool)     {}
func (noopSink) PublishGroupState(*device.Group, device.GroupState) {}

// SetSink attaches the optimistic-publish sink (the MQTT bridge).
func (a *API) SetSink(sink device.StateSink) {
	if sink != nil {
		a.sink = sink
	}
}

// SetRefresher attaches the post-ack refresh hook.
func (a *API) SetRefresher(r Refresher) {
	if r != nil {
		a.refresher = r
	}
}

// SetPerfRecorder attaches the latency recorder.
func (a *API) SetPerfRecorder(p PerfRecorder) {
	a.perf = p
}

// SetPower turns a device on or off.
func (a *API) SetPower(deviceID int, on bool) error {
	d, err := a.registry.Get(deviceID)
	if err != nil {
		return err
	}
	err = a.dispatchDevice(d, "power", func(t Target, msgID uint32) protocol.Packet {
		return protocol.BuildPower(t.NextSeq(), t.QueueID(), msgID, deviceID, false, on)
	}, nil)
	if err != nil {
		return err
	}

	power := device.PowerOff
	if on {
		power = device.PowerOn
	}
	st := d.SetStateOptimistic(func(s *device.State) {
		s.Power = power
		if d.Caps.Fan {
			s.FanPreset = device.FanPresetForBrightness(s.Brightness, power)
		}
	})
	a.sink.PublishDeviceState(d, st)
	return nil
}

// SetBrightness sets a device's brightness percent (0..100, clamped).
// Zero is an off command: the device stops emitting light and the
// optimistic publish reflects that.
func (a *API) SetBrightness(deviceID, pct int) error {
	d, err := a.registry.Get(deviceID)
	if err != nil {
		return err
	}
	if !d.Caps.Brightness {
		return fmt.Errorf("%w: device %d has no brightness", ErrUnsupported, deviceID)
	}
	pct = clampPercent(pct)

	err = a.dispatchDevice(d, "brightness", func(t Target, msgID uint32) protocol.Packet {
		return protocol.BuildBrightness(t.NextSeq(), t.QueueID(), msgID, deviceID, false, pct)
	}, nil)
	if err != nil {
		return err
	}

	st := d.SetStateOptimistic(func(s *device.State) {
		s.Brightness = pct
		if pct > 0 {
			s.Power = device.PowerOn
		} else {
			s.Power = device.PowerOff
		}
		if d.Caps.Fan {
			s.FanPreset = device.FanPresetForBrightness(s.Brightness, s.Power)
		}
	})
	a.sink.PublishDeviceState(d, st)
	return nil
}

// SetColorTemperature sets a device's white color temperature in
// Kelvin, clamped to the device's supported range. No optimistic
// publish: the rendered temperature is only known from the next status.
func (a *API) SetColorTemperature(deviceID, kelvin int) error {
	d, err := a.registry.Get(deviceID)
	if err != nil {
		return err
	}
	if !d.Caps.ColorTemp {
		return fmt.Errorf("%w: device %d has no color temperature", ErrUnsupported, deviceID)
	}
	wire := protocol.KelvinToWire(kelvin, d.Caps.MinKelvin, d.Caps.MaxKelvin)

	return a.dispatchDevice(d, "color_temp", func(t Target, msgID uint32) protocol.Packet {
		return protocol.BuildColorTemp(t.NextSeq(), t.QueueID(), msgID, deviceID, false, wire)
	}, nil)
}

// SetRGB sets a device's RGB color. No optimistic publish.
func (a *API) SetRGB(deviceID int, r, g, b byte) error {
	d, err := a.registry.Get(deviceID)
	if err != nil {
		return err
	}
	if !d.Caps.RGB {
		return fmt.Errorf("%w: device %d has no rgb", ErrUnsupported, deviceID)
	}
	return a.dispatchDevice(d, "rgb", func(t Target, msgID uint32) protocol.Packet {
		return protocol.BuildRGB(t.NextSeq(), t.QueueID(), msgID, deviceID, false, r, g, b)
	}, nil)
}

// SetFanSpeed drives a fan controller to a named preset. Presets map to
// fixed brightness buckets; "off" cuts power instead.
func (a *API) SetFanSpeed(deviceID int, preset string) error {
	d, err := a.registry.Get(deviceID)
	if err != nil {
		return err
	}
	if !d.Caps.Fan {
		return fmt.Errorf("%w: device %d is not a fan", ErrUnsupported, deviceID)
	}
	pct := device.FanBrightnessForPreset(preset)
	if pct < 0 {
		return fmt.Errorf("%w: unknown fan preset %q", ErrUnsupported, preset)
	}

	if preset == device.FanOff {
		err = a.dispatchDevice(d, "fan", func(t Target, msgID uint32) protocol.Packet {
			return protocol.BuildPower(t.NextSeq(), t.QueueID(), msgID, deviceID, false, false)
		}, nil)
	} else {
		err = a.dispatchDevice(d, "fan", func(t Target, msgID uint32) protocol.Packet {
			return protocol.BuildBrightness(t.NextSeq(), t.QueueID(), msgID, deviceID, false, pct)
		}, nil)
	}
	if err != nil {
		return err
	}

	st := d.SetStateOptimistic(func(s *device.State) {
		if preset == device.FanOff {
			s.Power = device.PowerOff
		} else {
			s.Power = device.PowerOn
			s.Brightness = pct
		}
		s.FanPreset = device.FanPresetForBrightness(s.Brightness, s.Power)
	})
	a.sink.PublishDeviceState(d, st)
	return nil
}

// GroupSetPower turns a group on or off with a single group-addressed
// packet. Non-switch members are published optimistically; switch
// members are re-synced to the group state after the ack, unless they
// have their own command in flight.
func (a *API) GroupSetPower(groupID int, on bool) error {
	g, err := a.registry.GetGroup(groupID)
	if err != nil {
		return err
	}
	power := device.PowerOff
	if on {
		power = device.PowerOn
	}

	err = a.dispatchGroup(g, "group_power", func(t Target, msgID uint32) protocol.Packet {
		return protocol.BuildPower(t.NextSeq(), t.QueueID(), msgID, groupID, true, on)
	}, func(server.CommandResult) {
		a.syncGroupSwitches(g, power)
	})
	if err != nil {
		return err
	}

	a.publishMembersOptimistic(g, func(d *device.Device, s *device.State) {
		s.Power = power
		if d.Caps.Fan {
			s.FanPreset = device.FanPresetForBrightness(s.Brightness, power)
		}
	})
	a.publishGroupAggregate(g)
	return nil
}

// GroupSetBrightness sets a group's brightness percent. Zero turns the
// group off, matching the device-level semantics.
func (a *API) GroupSetBrightness(groupID, pct int) error {
	g, err := a.registry.GetGroup(groupID)
	if err != nil {
		return err
	}
	pct = clampPercent(pct)

	err = a.dispatchGroup(g, "group_brightness", func(t Target, msgID uint32) protocol.Packet {
		return protocol.BuildBrightness(t.NextSeq(), t.QueueID(), msgID, groupID, true, pct)
	}, nil)
	if err != nil {
		return err
	}

	power := device.PowerOn
	if pct == 0 {
		power = device.PowerOff
	}
	a.publishMembersOptimistic(g, func(d *device.Device, s *device.State) {
		if !d.Caps.Brightness {
			return
		}
		s.Brightness = pct
		s.Power = power
		if d.Caps.Fan {
			s.FanPreset = device.FanPresetForBrightness(s.Brightness, power)
		}
	})
	a.publishGroupAggregate(g)
	return nil
}

// GroupSetColorTemperature sets a group's white color temperature. Only
// the group entity is published optimistically; member temperatures are
// corrected by the next mesh snapshot.
func (a *API) GroupSetColorTemperature(groupID, kelvin int) error {
	g, err := a.registry.GetGroup(groupID)
	if err != nil {
		return err
	}
	minK, maxK, ok := a.groupKelvinRange(g)
	if !ok {
		return fmt.Errorf("%w: group %d has no color-temp members", ErrUnsupported, groupID)
	}
	wire := protocol.KelvinToWire(kelvin, minK, maxK)

	err = a.dispatchGroup(g, "group_color_temp", func(t Target, msgID uint32) protocol.Packet {
		return protocol.BuildColorTemp(t.NextSeq(), t.QueueID(), msgID, groupID, true, wire)
	}, nil)
	if err != nil {
		return err
	}

	agg := a.registry.AggregateGroup(g)
	agg.ColorTempK = kelvin
	// The commanded temperature supersedes any member-reported color.
	agg.RGB, agg.HasRGB = [3]byte{}, false
	a.sink.PublishGroupState(g, agg)
	return nil
}

// GroupSetRGB sets a group's RGB color with a single group-addressed
// packet. As with color temperature, only the group entity is published
// optimistically; member colors are corrected by the next mesh snapshot.
func (a *API) GroupSetRGB(groupID int, r, g, b byte) error {
	grp, err := a.registry.GetGroup(groupID)
	if err != nil {
		return err
	}
	if !a.groupHasRGB(grp) {
		return fmt.Errorf("%w: group %d has no rgb members", ErrUnsupported, groupID)
	}

	err = a.dispatchGroup(grp, "group_rgb", func(t Target, msgID uint32) protocol.Packet {
		return protocol.BuildRGB(t.NextSeq(), t.QueueID(), msgID, groupID, true, r, g, b)
	}, nil)
	if err != nil {
		return err
	}

	agg := a.registry.AggregateGroup(grp)
	agg.RGB = [3]byte{r, g, b}
	agg.HasRGB = true
	a.sink.PublishGroupState(grp, agg)
	return nil
}

// Refresh requests an immediate mesh snapshot from any ready bridge.
func (a *API) Refresh() {
	a.refresher.RequestRefresh(0)
}

// dispatchDevice throttles on the device's pending latch, then sends.
func (a *API) dispatchDevice(d *device.Device, action string, build func(Target, uint32) protocol.Packet, onAcked func(server.CommandResult)) error {
	if !d.TrySetPending() {
		return fmt.Errorf("%w: device %d", ErrThrottled, d.ID)
	}
	if err := a.dispatch(d.ID, action, build, d.ClearPending, onAcked); err != nil {
		d.ClearPending()
		return err
	}
	return nil
}

// dispatchGroup throttles on a per-group latch, then sends.
func (a *API) dispatchGroup(g *device.Group, action string, build func(Target, uint32) protocol.Packet, onAcked func(server.CommandResult)) error {
	a.groupMu.Lock()
	if a.groupPending[g.ID] {
		a.groupMu.Unlock()
		return fmt.Errorf("%w: group %d", ErrThrottled, g.ID)
	}
	a.groupPending[g.ID] = true
	a.groupMu.Unlock()

	release := func() {
		a.groupMu.Lock()
		delete(a.groupPending, g.ID)
		a.groupMu.Unlock()
	}
	if err := a.dispatch(g.ID, action, build, release, onAcked); err != nil {
		release()
		return err
	}
	return nil
}

// dispatch fans one command out to the selected bridges under a shared
// msg id, registering the completion with the tracker. clearPending
// runs on every completion; onAcked only on a real ack.
func (a *API) dispatch(targetID int, action string, build func(Target, uint32) protocol.Packet, clearPending func(), onAcked func(server.CommandResult)) error {
	targets, err := a.bridges.Select(a.cfg.Targets)
	if err != nil {
		return fmt.Errorf("%w: %s for %d", ErrNoBridgeAvailable, action, targetID)
	}

	msgID := a.tracker.NextMsgID()
	a.tracker.Track(msgID, targetID, action, func(res server.CommandResult) {
		clearPending()
		a.recordPerf(res)
		if res.TimedOut {
			a.logger.Warn("command expired without ack",
				"target_id", res.DeviceID, "action", res.Action,
				"msg_id", res.MsgID, "error", ErrAckTimeout)
			return
		}
		if onAcked != nil {
			onAcked(res)
		}
		a.refresher.RequestRefresh(res.BridgeID)
	})

	sent := 0
	for _, t := range targets {
		if err := t.Send(build(t, msgID)); err != nil {
			a.logger.Warn("dispatch to bridge failed",
				"bridge_id", t.DeviceID(), "action", action, "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		a.tracker.Cancel(msgID)
		return fmt.Errorf("%w: all %d dispatches failed", ErrNoBridgeAvailable, len(targets))
	}

	a.logger.Debug("command dispatched",
		"target_id", targetID, "action", action, "msg_id", msgID, "bridges", sent)
	return nil
}

// recordPerf logs slow commands and feeds the latency recorder.
func (a *API) recordPerf(res server.CommandResult) {
	if !a.cfg.PerfTracking {
		return
	}
	if a.perf != nil {
		a.perf.WriteCommandLatency(res.DeviceID, res.Action, res.Latency, res.TimedOut)
	}
	if !res.TimedOut && a.cfg.SlowThreshold > 0 && res.Latency > a.cfg.SlowThreshold {
		a.logger.Warn("slow command round trip",
			"target_id", res.DeviceID, "action", res.Action, "latency", res.Latency)
	}
}

// publishMembersOptimistic rewrites and publishes each non-switch
// member's expected state.
func (a *API) publishMembersOptimistic(g *device.Group, mutate func(*device.Device, *device.State)) {
	for _, id := range g.Members {
		d, err := a.registry.Get(id)
		if err != nil || d.Caps.Switch {
			continue
		}
		st := d.SetStateOptimistic(func(s *device.State) { mutate(d, s) })
		a.sink.PublishDeviceState(d, st)
	}
}

// syncGroupSwitches re-publishes each switch member to match the group
// power after a group ack. A switch with its own command in flight is
// skipped; individual control wins.
func (a *API) syncGroupSwitches(g *device.Group, power device.PowerState) {
	for _, id := range g.Members {
		d, err := a.registry.Get(id)
		if err != nil || !d.Caps.Switch {
			continue
		}
		if d.Pending() {
			a.logger.Debug("switch has its own command pending, not syncing",
				"device_id", d.ID, "group_id", g.ID)
			continue
		}
		st := d.SetStateOptimistic(func(s *device.State) { s.Power = power })
		a.sink.PublishDeviceState(d, st)
	}
}

// publishGroupAggregate recomputes and publishes the group entity.
func (a *API) publishGroupAggregate(g *device.Group) {
	if !a.registry.GroupHasEntity(g) {
		return
	}
	a.sink.PublishGroupState(g, a.registry.AggregateGroup(g))
}

// groupKelvinRange returns the color-temp range of the first capable
// member, the range the group-level wire value is scaled against.
func (a *API) groupKelvinRange(g *device.Group) (minK, maxK int, ok bool) {
	for _, id := range g.Members {
		d, err := a.registry.Get(id)
		if err != nil {
			continue
		}
		if d.Caps.ColorTemp {
			return d.Caps.MinKelvin, d.Caps.MaxKelvin, true
		}
	}
	return 0, 0, false
}

// groupHasRGB reports whether any member renders RGB color.
func (a *API) groupHasRGB(g *device.Group) bool {
	for _, id := range g.Members {
		if d, err := a.registry.Get(id); err == nil && d.Caps.RGB {
			return true
		}
	}
	return false
}

func clampPercent(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
