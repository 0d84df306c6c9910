package bridge

import (
	"encoding/json"

	"github.com/cync-lan/cync-lan/internal/device"
)

const manufacturer = "Savant"

// discoveryDoc is the retained Home Assistant discovery document. Field
// presence varies by platform; omitted fields must stay omitted, the
// bus rejects unknown fields on schema-strict entity classes.
type discoveryDoc struct {
	Name              string        `json:"name"`
	UniqueID          string        `json:"unique_id"`
	CommandTopic      string        `json:"command_topic"`
	StateTopic        string        `json:"state_topic"`
	AvailabilityTopic string        `json:"availability_topic"`
	Device            discoveryInfo `json:"device"`

	// Light (json schema).
	Schema              string   `json:"schema,omitempty"`
	Brightness          bool     `json:"brightness,omitempty"`
	BrightnessScale     int      `json:"brightness_scale,omitempty"`
	SupportedColorModes []string `json:"supported_color_modes,omitempty"`
	MinKelvin           int      `json:"min_kelvin,omitempty"`
	MaxKelvin           int      `json:"max_kelvin,omitempty"`

	// Fan.
	PresetModes            []string `json:"preset_modes,omitempty"`
	PresetModeStateTopic   string   `json:"preset_mode_state_topic,omitempty"`
	PresetModeCommandTopic string   `json:"preset_mode_command_topic,omitempty"`

	// Plug.
	DeviceClass string `json:"device_class,omitempty"`
}

// discoveryInfo groups entities under one device in the HA registry.
type discoveryInfo struct {
	Identifiers   []string `json:"identifiers"`
	Name          string   `json:"name"`
	Manufacturer  string   `json:"manufacturer"`
	Model         string   `json:"model,omitempty"`
	SuggestedArea string   `json:"suggested_area,omitempty"`
}

// publishDiscovery publishes the retained discovery document for every
// device and every group that gets an entity.
func (b *Bridge) publishDiscovery() {
	for _, d := range b.registry.Devices() {
		platform, doc := b.deviceDiscovery(d)
		b.publishDiscoveryDoc(platform, d.HassID, doc)
	}
	for _, g := range b.registry.Groups() {
		if !b.registry.GroupHasEntity(g) {
			// Fan-only groups stay off the bus: per-member entities
			// already cover them and a group entity would be a duplicate
			// control surface.
			b.logger.Debug("group gets no entity", "group_id", g.ID, "name", g.Name)
			continue
		}
		b.publishDiscoveryDoc("light", g.HassID, b.groupDiscovery(g))
	}
}

func (b *Bridge) publishDiscoveryDoc(platform, hassID string, doc discoveryDoc) {
	payload, err := json.Marshal(doc)
	if err != nil {
		b.logger.Error("encoding discovery document", "hass_id", hassID, "error", err)
		return
	}
	b.publish(b.broker.Topics().DiscoveryConfig(platform, hassID), payload, true)
}

// deviceDiscovery builds the platform name and document for one device.
func (b *Bridge) deviceDiscovery(d *device.Device) (string, discoveryDoc) {
	topics := b.broker.Topics()
	doc := discoveryDoc{
		Name:              d.Name,
		UniqueID:          d.HassID,
		CommandTopic:      topics.Set(d.HassID),
		StateTopic:        topics.Status(d.HassID),
		AvailabilityTopic: topics.Availability(d.HassID),
		Device: discoveryInfo{
			Identifiers:   []string{d.HassID},
			Name:          d.Name,
			Manufacturer:  manufacturer,
			Model:         d.Model,
			SuggestedArea: d.Room,
		},
	}

	switch {
	case d.Caps.Fan:
		doc.PresetModes = device.FanPresets()
		doc.PresetModeStateTopic = topics.FanPreset(d.HassID)
		doc.PresetModeCommandTopic = topics.SetAttribute(d.HassID, "preset")
		return "fan", doc

	case d.Caps.Plug:
		doc.DeviceClass = "outlet"
		return "switch", doc

	case d.Caps.Switch:
		return "switch", doc

	default:
		doc.Schema = "json"
		if d.Caps.Brightness {
			doc.Brightness = true
			doc.BrightnessScale = 100
		}
		var modes []string
		if d.Caps.ColorTemp {
			modes = append(modes, "color_temp")
			doc.MinKelvin = d.Caps.MinKelvin
			doc.MaxKelvin = d.Caps.MaxKelvin
		}
		if d.Caps.RGB {
			modes = append(modes, "rgb")
		}
		doc.SupportedColorModes = modes
		return "light", doc
	}
}

// groupDiscovery builds the light document for a group entity.
func (b *Bridge) groupDiscovery(g *device.Group) discoveryDoc {
	topics := b.broker.Topics()
	doc := discoveryDoc{
		Name:              g.Name,
		UniqueID:          g.HassID,
		CommandTopic:      topics.Set(g.HassID),
		StateTopic:        topics.Status(g.HassID),
		AvailabilityTopic: topics.BridgeAvailability(),
		Schema:            "json",
		Brightness:        true,
		BrightnessScale:   100,
		Device: discoveryInfo{
			Identifiers:  []string{g.HassID},
			Name:         g.Name,
			Manufacturer: manufacturer,
		},
	}

	// The group advertises each color mode that any member renders. The
	// kelvin range comes from the first color-temp member, the range the
	// group-level wire value is scaled against.
	hasCT, hasRGB := false, false
	for _, id := range g.Members {
		d, err := b.registry.Get(id)
		if err != nil {
			continue
		}
		if d.Caps.ColorTemp && !hasCT {
			hasCT = true
			doc.MinKelvin = d.Caps.MinKelvin
			doc.MaxKelvin = d.Caps.MaxKelvin
		}
		if d.Caps.RGB {
			hasRGB = true
		}
	}
	var modes []string
	if hasCT {
		modes = append(modes, "color_temp")
	}
	if hasRGB {
		modes = append(modes, "rgb")
	}
	doc.SupportedColorModes = modes
	return doc
}
