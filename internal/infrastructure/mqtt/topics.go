package mqtt

import "fmt"

// Topics builds the controller's MQTT topic names. Base is the
// configurable root level, "cync" by default; Discovery is the Home
// Assistant discovery prefix, "homeassistant" by default.
//
// Topic layout:
//
//	<base>/availability/<hass_id>      retained, "online"/"offline"
//	<base>/availability/bridge         retained, controller LWT
//	<base>/status/<hass_id>            device state
//	<base>/set/<hass_id>[/<attribute>] inbound commands
//	<discovery>/<platform>/<hass_id>/config retained discovery documents
type Topics struct {
	Base      string
	Discovery string
}

// NewTopics returns a Topics builder, applying defaults for empty fields.
func NewTopics(base, discovery string) Topics {
	if base == "" {
		base = "cync"
	}
	if discovery == "" {
		discovery = "homeassistant"
	}
	return Topics{Base: base, Discovery: discovery}
}

// BridgeAvailability is the controller's own availability topic, used
// as the LWT target.
func (t Topics) BridgeAvailability() string {
	return fmt.Sprintf("%s/availability/bridge", t.base())
}

// Availability is a device or group availability topic.
func (t Topics) Availability(hassID string) string {
	return fmt.Sprintf("%s/availability/%s", t.base(), hassID)
}

// Status is a device or group state topic.
func (t Topics) Status(hassID string) string {
	return fmt.Sprintf("%s/status/%s", t.base(), hassID)
}

// FanPreset is the retained preset topic for fan entities.
func (t Topics) FanPreset(hassID string) string {
	return fmt.Sprintf("%s/status/%s/preset", t.base(), hassID)
}

// Set is the base command topic for an entity.
func (t Topics) Set(hassID string) string {
	return fmt.Sprintf("%s/set/%s", t.base(), hassID)
}

// SetAttribute is a command topic for one attribute
// (brightness, color_temp, rgb, preset).
func (t Topics) SetAttribute(hassID, attribute string) string {
	return fmt.Sprintf("%s/set/%s/%s", t.base(), hassID, attribute)
}

// AllSet is the wildcard subscription covering every command topic.
func (t Topics) AllSet() string {
	return fmt.Sprintf("%s/set/#", t.base())
}

// DiscoveryConfig is the retained discovery document topic for an
// entity on a Home Assistant platform (light, switch, fan).
func (t Topics) DiscoveryConfig(platform, hassID string) string {
	return fmt.Sprintf("%s/%s/%s/config", t.discovery(), platform, hassID)
}

func (t Topics) base() string {
	if t.Base == "" {
		return "cync"
	}
	return t.Base
}

func (t Topics) discovery() string {
	if t.Discovery == "" {
		return "homeassistant"
	}
	return t.Discovery
}
