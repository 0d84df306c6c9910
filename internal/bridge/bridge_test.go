package bridge

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cync-lan/cync-lan/internal/commands"
	"github.com/cync-lan/cync-lan/internal/device"
	"github.com/cync-lan/cync-lan/internal/infrastructure/mqtt"
)

type published struct {
	topic    string
	payload  string
	retained bool
}

type fakeBroker struct {
	mu        sync.Mutex
	topics    mqtt.Topics
	published []published
	subs      map[string]mqtt.MessageHandler
	failNext  int
	onConnect func()
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		topics: mqtt.NewTopics("", ""),
		subs:   make(map[string]mqtt.MessageHandler),
	}
}

func (f *fakeBroker) Publish(topic string, payload []byte, _ byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("broker unreachable")
	}
	f.published = append(f.published, published{topic: topic, payload: string(payload), retained: retained})
	return nil
}

func (f *fakeBroker) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeBroker) Topics() mqtt.Topics    { return f.topics }
func (f *fakeBroker) IsConnected() bool      { return true }
func (f *fakeBroker) SetOnConnect(cb func()) { f.onConnect = cb }

// find returns the publishes whose topic matches exactly.
func (f *fakeBroker) find(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, p := range f.published {
		if p.topic == topic {
			out = append(out, p)
		}
	}
	return out
}

type commandCall struct {
	name string
	id   int
	args []interface{}
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []commandCall
	err   error
}

func (f *fakeCommander) record(name string, id int, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commandCall{name: name, id: id, args: args})
	return f.err
}

func (f *fakeCommander) SetPower(id int, on bool) error { return f.record("power", id, on) }
func (f *fakeCommander) SetBrightness(id, p int) error  { return f.record("brightness", id, p) }
func (f *fakeCommander) SetColorTemperature(id, k int) error {
	return f.record("color_temp", id, k)
}
func (f *fakeCommander) SetRGB(id int, r, g, b byte) error {
	return f.record("rgb", id, r, g, b)
}
func (f *fakeCommander) SetFanSpeed(id int, preset string) error {
	return f.record("fan", id, preset)
}
func (f *fakeCommander) GroupSetPower(id int, on bool) error {
	return f.record("group_power", id, on)
}
func (f *fakeCommander) GroupSetBrightness(id, p int) error {
	return f.record("group_brightness", id, p)
}
func (f *fakeCommander) GroupSetColorTemperature(id, k int) error {
	return f.record("group_color_temp", id, k)
}
func (f *fakeCommander) GroupSetRGB(id int, r, g, b byte) error {
	return f.record("group_rgb", id, r, g, b)
}
func (f *fakeCommander) Refresh() { f.record("refresh", 0) } //nolint:errcheck

func (f *fakeCommander) lastCall(t *testing.T) commandCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no command routed")
	}
	return f.calls[len(f.calls)-1]
}

func (f *fakeCommander) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testDevices() []*device.Device {
	return []*device.Device{
		{
			ID: 26, Name: "Kitchen Light", Room: "Kitchen",
			Caps: device.Capabilities{Brightness: true, ColorTemp: true, MinKelvin: 2000, MaxKelvin: 7000, RGB: true},
		},
		{ID: 30, Name: "Heater Plug", Caps: device.Capabilities{Plug: true}},
		{ID: 9, Name: "Bedroom Fan", Caps: device.Capabilities{Fan: true, Brightness: true}},
		{ID: 12, Name: "Hall Switch", Caps: device.Capabilities{Switch: true}},
	}
}

func newTestBridge(t *testing.T, groups []*device.Group) (*Bridge, *fakeBroker, *fakeCommander, *device.Registry) {
	t.Helper()
	broker := newFakeBroker()
	cmd := &fakeCommander{}
	reg := device.NewRegistry(123, testDevices(), groups, nil)
	b := New(broker, reg, cmd, 0, nil)
	return b, broker, cmd, reg
}

func TestStartPublishesDiscovery(t *testing.T) {
	b, broker, _, _ := newTestBridge(t, []*device.Group{
		{ID: 100, Name: "Kitchen", Members: []int{26}},
	})
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	light := broker.find("homeassistant/light/123-26/config")
	if len(light) != 1 || !light[0].retained {
		t.Fatal("light discovery not published retained")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(light[0].payload), &doc); err != nil {
		t.Fatalf("discovery payload is not JSON: %v", err)
	}
	if doc["schema"] != "json" || doc["brightness"] != true {
		t.Errorf("light discovery = %v, want json schema with brightness", doc)
	}
	dev, ok := doc["device"].(map[string]interface{})
	if !ok || dev["manufacturer"] != "Savant" {
		t.Errorf("device info = %v, want Savant manufacturer", doc["device"])
	}

	if got := broker.find("homeassistant/fan/123-9/config"); len(got) != 1 {
		t.Error("fan discovery missing")
	} else {
		var fan map[string]interface{}
		if err := json.Unmarshal([]byte(got[0].payload), &fan); err != nil {
			t.Fatalf("fan discovery payload: %v", err)
		}
		modes, _ := fan["preset_modes"].([]interface{})
		if len(modes) != 5 || modes[0] != "off" || modes[4] != "max" {
			t.Errorf("preset_modes = %v, want off..max in order", modes)
		}
	}

	if got := broker.find("homeassistant/switch/123-30/config"); len(got) != 1 {
		t.Error("plug discovery missing")
	} else if !strings.Contains(got[0].payload, `"device_class":"outlet"`) {
		t.Error("plug discovery lacks outlet device class")
	}

	if got := broker.find("homeassistant/light/123-group-100/config"); len(got) != 1 {
		t.Error("group discovery missing")
	}
}

func TestFanOnlyGroupGetsNoEntity(t *testing.T) {
	b, broker, _, _ := newTestBridge(t, []*device.Group{
		{ID: 200, Name: "Fans", Members: []int{9}},
	})
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := broker.find("homeassistant/light/123-group-200/config"); len(got) != 0 {
		t.Error("fan-only group was given an entity")
	}
}

func TestPublishLightState(t *testing.T) {
	b, broker, _, reg := newTestBridge(t, nil)
	d, _ := reg.Get(26)

	b.PublishDeviceState(d, device.State{Power: device.PowerOn, Brightness: 80, ColorTempK: 3000})

	got := broker.find("cync/status/123-26")
	if len(got) != 1 {
		t.Fatalf("status publishes = %d, want 1", len(got))
	}
	if got[0].retained {
		t.Error("light state published retained")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(got[0].payload), &doc); err != nil {
		t.Fatalf("light state is not JSON: %v", err)
	}
	if doc["state"] != "ON" || doc["brightness"] != float64(80) || doc["color_temp"] != float64(3000) {
		t.Errorf("light state = %v", doc)
	}
	if doc["color_mode"] != "color_temp" {
		t.Errorf("color_mode = %v, want color_temp", doc["color_mode"])
	}
}

func TestPublishSwitchStateIsPlain(t *testing.T) {
	b, broker, _, reg := newTestBridge(t, nil)
	sw, _ := reg.Get(12)

	b.PublishDeviceState(sw, device.State{Power: device.PowerOn})

	got := broker.find("cync/status/123-12")
	if len(got) != 1 {
		t.Fatalf("status publishes = %d, want 1", len(got))
	}
	// Schema-strict: bare ON, no JSON wrapper.
	if got[0].payload != "ON" {
		t.Errorf("switch payload = %q, want plain ON", got[0].payload)
	}
}

func TestPublishFanStateRetainsPreset(t *testing.T) {
	b, broker, _, reg := newTestBridge(t, nil)
	fan, _ := reg.Get(9)

	b.PublishDeviceState(fan, device.State{Power: device.PowerOn, Brightness: 50, FanPreset: device.FanMedium})

	if got := broker.find("cync/status/123-9"); len(got) != 1 || got[0].payload != "ON" {
		t.Errorf("fan state = %+v, want plain ON", got)
	}
	preset := broker.find("cync/status/123-9/preset")
	if len(preset) != 1 || preset[0].payload != "medium" || !preset[0].retained {
		t.Errorf("fan preset = %+v, want retained medium", preset)
	}
}

func TestPublishAvailabilityRetained(t *testing.T) {
	b, broker, _, reg := newTestBridge(t, nil)
	d, _ := reg.Get(26)

	b.PublishDeviceAvailability(d, true)
	b.PublishDeviceAvailability(d, false)

	got := broker.find("cync/availability/123-26")
	if len(got) != 2 {
		t.Fatalf("availability publishes = %d, want 2", len(got))
	}
	if got[0].payload != "online" || got[1].payload != "offline" {
		t.Errorf("availability payloads = %+v", got)
	}
	for _, p := range got {
		if !p.retained {
			t.Error("availability not retained")
		}
	}
}

func TestRoutePowerCommand(t *testing.T) {
	b, broker, cmd, _ := newTestBridge(t, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	handler := broker.subs["cync/set/#"]
	if handler == nil {
		t.Fatal("no wildcard command subscription")
	}

	if err := handler("cync/set/123-26", []byte("ON")); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	call := cmd.lastCall(t)
	if call.name != "power" || call.id != 26 || call.args[0] != true {
		t.Errorf("routed call = %+v, want power(26, true)", call)
	}
}

func TestRouteAttributeCommands(t *testing.T) {
	b, broker, cmd, _ := newTestBridge(t, []*device.Group{
		{ID: 100, Name: "Kitchen", Members: []int{26}},
	})
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	handler := broker.subs["cync/set/#"]

	tests := []struct {
		topic   string
		payload string
		name    string
		id      int
	}{
		{"cync/set/123-26/brightness", "75", "brightness", 26},
		{"cync/set/123-26/color_temp", "3500", "color_temp", 26},
		{"cync/set/123-26/rgb", "255,10,0", "rgb", 26},
		{"cync/set/123-9/preset", "high", "fan", 9},
		{"cync/set/123-group-100", "OFF", "group_power", 100},
		{"cync/set/123-group-100/brightness", "40", "group_brightness", 100},
		{"cync/set/123-group-100/color_temp", "4000", "group_color_temp", 100},
		{"cync/set/123-group-100/rgb", "17,34,51", "group_rgb", 100},
	}
	for _, tt := range tests {
		if err := handler(tt.topic, []byte(tt.payload)); err != nil {
			t.Errorf("%s: handler error = %v", tt.topic, err)
			continue
		}
		call := cmd.lastCall(t)
		if call.name != tt.name || call.id != tt.id {
			t.Errorf("%s: routed %s(%d), want %s(%d)", tt.topic, call.name, call.id, tt.name, tt.id)
		}
	}
}

func TestRouteLightJSONCommand(t *testing.T) {
	b, broker, cmd, _ := newTestBridge(t, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	handler := broker.subs["cync/set/#"]

	if err := handler("cync/set/123-26", []byte(`{"state":"ON","brightness":60}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	call := cmd.lastCall(t)
	if call.name != "brightness" || call.id != 26 || call.args[0] != 60 {
		t.Errorf("routed call = %+v, want brightness(26, 60)", call)
	}

	if err := handler("cync/set/123-26", []byte(`{"state":"OFF"}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	call = cmd.lastCall(t)
	if call.name != "power" || call.args[0] != false {
		t.Errorf("routed call = %+v, want power(26, false)", call)
	}
}

func TestRouteGroupJSONColor(t *testing.T) {
	b, broker, cmd, _ := newTestBridge(t, []*device.Group{
		{ID: 100, Name: "Kitchen", Members: []int{26}},
	})
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	handler := broker.subs["cync/set/#"]

	if err := handler("cync/set/123-group-100", []byte(`{"state":"ON","color":{"r":255,"g":10,"b":0}}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	call := cmd.lastCall(t)
	if call.name != "group_rgb" || call.id != 100 {
		t.Fatalf("routed call = %+v, want group_rgb(100)", call)
	}
	if call.args[0] != byte(255) || call.args[1] != byte(10) || call.args[2] != byte(0) {
		t.Errorf("rgb args = %v, want 255 10 0", call.args)
	}
}

func TestGroupDiscoveryAdvertisesMemberColorModes(t *testing.T) {
	b, broker, _, _ := newTestBridge(t, []*device.Group{
		{ID: 100, Name: "Kitchen", Members: []int{26, 30}},
	})
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	got := broker.find("homeassistant/light/123-group-100/config")
	if len(got) != 1 {
		t.Fatalf("group discovery publishes = %d, want 1", len(got))
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(got[0].payload), &doc); err != nil {
		t.Fatalf("group discovery payload: %v", err)
	}
	modes, _ := doc["supported_color_modes"].([]interface{})
	if len(modes) != 2 || modes[0] != "color_temp" || modes[1] != "rgb" {
		t.Errorf("supported_color_modes = %v, want [color_temp rgb]", modes)
	}
	if doc["min_kelvin"] != float64(2000) || doc["max_kelvin"] != float64(7000) {
		t.Errorf("kelvin range = %v..%v, want 2000..7000", doc["min_kelvin"], doc["max_kelvin"])
	}
}

func TestPublishGroupStateWithColor(t *testing.T) {
	b, broker, _, reg := newTestBridge(t, []*device.Group{
		{ID: 100, Name: "Kitchen", Members: []int{26}},
	})
	g, _ := reg.GetGroup(100)

	b.PublishGroupState(g, device.GroupState{
		Power: device.PowerOn, Brightness: 60, RGB: [3]byte{255, 10, 0}, HasRGB: true,
	})

	got := broker.find("cync/status/123-group-100")
	if len(got) != 1 {
		t.Fatalf("group status publishes = %d, want 1", len(got))
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(got[0].payload), &doc); err != nil {
		t.Fatalf("group state payload: %v", err)
	}
	if doc["color_mode"] != "rgb" {
		t.Errorf("color_mode = %v, want rgb", doc["color_mode"])
	}
	color, _ := doc["color"].(map[string]interface{})
	if color["r"] != float64(255) || color["g"] != float64(10) || color["b"] != float64(0) {
		t.Errorf("color = %v, want r255 g10 b0", doc["color"])
	}
}

func TestThrottledCommandIsSilent(t *testing.T) {
	b, broker, cmd, _ := newTestBridge(t, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cmd.err = commands.ErrThrottled

	handler := broker.subs["cync/set/#"]
	if err := handler("cync/set/123-26", []byte("ON")); err != nil {
		t.Errorf("throttled command surfaced error = %v, want silence", err)
	}
}

func TestUnknownEntityIgnored(t *testing.T) {
	b, broker, cmd, _ := newTestBridge(t, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	before := cmd.callCount()

	handler := broker.subs["cync/set/#"]
	if err := handler("cync/set/999-1", []byte("ON")); err != nil {
		t.Errorf("unknown entity error = %v, want nil", err)
	}
	if cmd.callCount() != before {
		t.Error("command routed for unknown entity")
	}
}

func TestRefreshControl(t *testing.T) {
	b, broker, cmd, _ := newTestBridge(t, nil)
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	handler := broker.subs["cync/set/#"]
	if err := handler("cync/set/bridge/refresh", nil); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if call := cmd.lastCall(t); call.name != "refresh" {
		t.Errorf("routed call = %+v, want refresh", call)
	}
}
