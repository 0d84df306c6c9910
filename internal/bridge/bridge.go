package bridge

import (
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cync-lan/cync-lan/internal/device"
	"github.com/cync-lan/cync-lan/internal/infrastructure/mqtt"
)

// Logger is the minimal logging interface the bridge needs.
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

// Broker is the slice of the MQTT client the bridge uses.
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Topics() mqtt.Topics
	IsConnected() bool
	SetOnConnect(callback func())
}

// Commander is the semantic command surface the bridge routes inbound
// set-topic messages into.
type Commander interface {
	SetPower(deviceID int, on bool) error
	SetBrightness(deviceID, pct int) error
	SetColorTemperature(deviceID, kelvin int) error
	SetRGB(deviceID int, r, g, b byte) error
	SetFanSpeed(deviceID int, preset string) error
	GroupSetPower(groupID int, on bool) error
	GroupSetBrightness(groupID, pct int) error
	GroupSetColorTemperature(groupID, kelvin int) error
	GroupSetRGB(groupID int, r, g, b byte) error
	Refresh()
}

// Availability payloads, shared with the Home Assistant defaults.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// Publish retry tuning. A failed publish is retried in the background
// with exponential backoff, bounded so a dead broker does not
// accumulate goroutines forever.
const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxElapsed      = 30 * time.Second
)

// Bridge connects the device registry to Home Assistant over MQTT.
//
// Outbound it implements device.StateSink: state, availability and
// group aggregates land on the status topics the discovery documents
// declare. Inbound it subscribes to the set-topic wildcard and
// translates payloads into Commander calls.
//
// Thread Safety: safe for concurrent use.
type Bridge struct {
	broker    Broker
	registry  *device.Registry
	commander Commander
	logger    Logger
	qos       byte
}

// New creates a bridge. Call Start to publish discovery and begin
// routing commands.
func New(broker Broker, registry *device.Registry, commander Commander, qos byte, logger Logger) *Bridge {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bridge{
		broker:    broker,
		registry:  registry,
		commander: commander,
		logger:    logger,
		qos:       qos,
	}
}

// Start publishes discovery documents and current availability, then
// subscribes to the command topics. On every broker reconnect the
// retained surface is republished; the broker may have restarted and
// lost it.
func (b *Bridge) Start() error {
	b.broker.SetOnConnect(func() {
		b.publishDiscovery()
		b.publishAllAvailability()
	})

	b.publishDiscovery()
	b.publishAllAvailability()

	if err := b.broker.Subscribe(b.broker.Topics().AllSet(), b.qos, b.handleCommand); err != nil {
		return err
	}
	b.logger.Info("mqtt bridge started",
		"devices", len(b.registry.Devices()), "groups", len(b.registry.Groups()))
	return nil
}

// PublishDeviceState publishes a device's state on its status topic,
// shaped per entity class. Switch and plug payloads are plain ON/OFF
// with no other fields; the bus rejects unknown fields on those
// entities.
func (b *Bridge) PublishDeviceState(d *device.Device, st device.State) {
	topics := b.broker.Topics()

	switch {
	case d.Caps.Switch || d.Caps.Plug:
		if st.Power == device.PowerUnknown {
			return
		}
		b.publish(topics.Status(d.HassID), []byte(st.Power), false)

	case d.Caps.Fan:
		if st.Power != device.PowerUnknown {
			b.publish(topics.Status(d.HassID), []byte(st.Power), false)
		}
		// Retained so a reconnecting subscriber sees the preset without
		// waiting for the next state change.
		b.publish(topics.FanPreset(d.HassID), []byte(st.FanPreset), true)

	default:
		payload, err := json.Marshal(lightStatePayload(d, st))
		if err != nil {
			b.logger.Error("encoding light state", "device_id", d.ID, "error", err)
			return
		}
		b.publish(topics.Status(d.HassID), payload, false)
	}
}

// PublishDeviceAvailability publishes a device's availability, retained.
func (b *Bridge) PublishDeviceAvailability(d *device.Device, online bool) {
	payload := payloadOffline
	if online {
		payload = payloadOnline
	}
	b.publish(b.broker.Topics().Availability(d.HassID), []byte(payload), true)
}

// PublishGroupState publishes a group entity's aggregate as a light
// state document.
func (b *Bridge) PublishGroupState(g *device.Group, st device.GroupState) {
	if st.Power == device.PowerUnknown {
		return
	}
	doc := lightState{State: string(st.Power)}
	if st.Power == device.PowerOn {
		doc.Brightness = &st.Brightness
		switch {
		case st.HasRGB:
			doc.ColorMode = "rgb"
			doc.Color = &rgbColor{R: int(st.RGB[0]), G: int(st.RGB[1]), B: int(st.RGB[2])}
		case st.ColorTempK > 0:
			doc.ColorMode = "color_temp"
			doc.ColorTemp = &st.ColorTempK
		default:
			doc.ColorMode = "brightness"
		}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		b.logger.Error("encoding group state", "group_id", g.ID, "error", err)
		return
	}
	b.publish(b.broker.Topics().Status(g.HassID), payload, false)
}

// publishAllAvailability publishes every device's current availability
// and every group entity's aggregate.
func (b *Bridge) publishAllAvailability() {
	for _, d := range b.registry.Devices() {
		b.PublishDeviceAvailability(d, d.Online())
	}
	for _, g := range b.registry.Groups() {
		if !b.registry.GroupHasEntity(g) {
			continue
		}
		b.PublishGroupState(g, b.registry.AggregateGroup(g))
	}
}

// publish sends with one immediate attempt; on failure it retries in
// the background with bounded exponential backoff.
func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if err := b.broker.Publish(topic, payload, b.qos, retained); err == nil {
		return
	}

	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = retryInitialInterval
		bo.MaxElapsedTime = retryMaxElapsed
		err := backoff.Retry(func() error {
			return b.broker.Publish(topic, payload, b.qos, retained)
		}, bo)
		if err != nil {
			b.logger.Warn("mqtt publish abandoned after retries",
				"topic", topic, "error", err)
		}
	}()
}

// lightState is the JSON state document for light entities.
type lightState struct {
	State      string    `json:"state"`
	Brightness *int      `json:"brightness,omitempty"`
	ColorMode  string    `json:"color_mode,omitempty"`
	ColorTemp  *int      `json:"color_temp,omitempty"`
	Color      *rgbColor `json:"color,omitempty"`
}

type rgbColor struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// lightStatePayload shapes a device state into the light document. An
// on/off-only light publishes just the state field.
func lightStatePayload(d *device.Device, st device.State) lightState {
	doc := lightState{State: string(st.Power)}
	if st.Power != device.PowerOn {
		return doc
	}
	if d.Caps.Brightness {
		doc.Brightness = &st.Brightness
		doc.ColorMode = "brightness"
	}
	if d.Caps.ColorTemp && st.ColorTempK > 0 && !st.HasRGB {
		doc.ColorMode = "color_temp"
		doc.ColorTemp = &st.ColorTempK
	}
	if d.Caps.RGB && st.HasRGB {
		doc.ColorMode = "rgb"
		doc.Color = &rgbColor{R: int(st.RGB[0]), G: int(st.RGB[1]), B: int(st.RGB[2])}
	}
	return doc
}
