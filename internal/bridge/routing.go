package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cync-lan/cync-lan/internal/commands"
	"github.com/cync-lan/cync-lan/internal/device"
)

// ErrBadPayload marks an inbound command payload that could not be
// parsed for its topic.
var ErrBadPayload = errors.New("bridge: bad command payload")

// lightCommand is the JSON command document Home Assistant sends to
// json-schema lights on the base set topic.
type lightCommand struct {
	State      string    `json:"state"`
	Brightness *int      `json:"brightness"`
	ColorTemp  *int      `json:"color_temp"`
	Color      *rgbColor `json:"color"`
}

// handleCommand routes one inbound set-topic message. Throttled
// commands are dropped silently: the prior command wins and the next
// snapshot republishes truth.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	hassID, attribute, ok := b.splitSetTopic(topic)
	if !ok {
		return nil
	}

	// A bare "refresh" control addressed to the bridge itself.
	if hassID == "bridge" && attribute == "refresh" {
		b.commander.Refresh()
		return nil
	}

	var err error
	if d, derr := b.registry.GetByHassID(hassID); derr == nil {
		err = b.routeDevice(d, attribute, payload)
	} else if g, gerr := b.registry.GetGroupByHassID(hassID); gerr == nil {
		err = b.routeGroup(g, attribute, payload)
	} else {
		b.logger.Debug("command for unknown entity", "topic", topic)
		return nil
	}

	if errors.Is(err, commands.ErrThrottled) {
		b.logger.Debug("command throttled", "topic", topic)
		return nil
	}
	return err
}

// splitSetTopic extracts the hass id and optional attribute from a
// set-topic name.
func (b *Bridge) splitSetTopic(topic string) (hassID, attribute string, ok bool) {
	prefix := b.broker.Topics().Set("")
	rest, found := strings.CutPrefix(topic, prefix)
	if !found || rest == "" {
		return "", "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], rest[i+1:], true
	}
	return rest, "", true
}

func (b *Bridge) routeDevice(d *device.Device, attribute string, payload []byte) error {
	switch attribute {
	case "":
		if isJSON(payload) {
			return b.routeLightJSON(d, payload)
		}
		on, err := parseOnOff(payload)
		if err != nil {
			return err
		}
		if d.Caps.Fan && !on {
			return b.commander.SetFanSpeed(d.ID, device.FanOff)
		}
		return b.commander.SetPower(d.ID, on)

	case "brightness":
		pct, err := parseInt(payload)
		if err != nil {
			return err
		}
		return b.commander.SetBrightness(d.ID, pct)

	case "color_temp":
		kelvin, err := parseInt(payload)
		if err != nil {
			return err
		}
		return b.commander.SetColorTemperature(d.ID, kelvin)

	case "rgb":
		r, g, bl, err := parseRGB(payload)
		if err != nil {
			return err
		}
		return b.commander.SetRGB(d.ID, r, g, bl)

	case "preset":
		return b.commander.SetFanSpeed(d.ID, strings.TrimSpace(string(payload)))

	default:
		b.logger.Debug("unknown command attribute",
			"hass_id", d.HassID, "attribute", attribute)
		return nil
	}
}

func (b *Bridge) routeGroup(g *device.Group, attribute string, payload []byte) error {
	switch attribute {
	case "":
		if isJSON(payload) {
			return b.routeGroupJSON(g, payload)
		}
		on, err := parseOnOff(payload)
		if err != nil {
			return err
		}
		return b.commander.GroupSetPower(g.ID, on)

	case "brightness":
		pct, err := parseInt(payload)
		if err != nil {
			return err
		}
		return b.commander.GroupSetBrightness(g.ID, pct)

	case "color_temp":
		kelvin, err := parseInt(payload)
		if err != nil {
			return err
		}
		return b.commander.GroupSetColorTemperature(g.ID, kelvin)

	case "rgb":
		r, gr, bl, err := parseRGB(payload)
		if err != nil {
			return err
		}
		return b.commander.GroupSetRGB(g.ID, r, gr, bl)

	default:
		b.logger.Debug("unknown group command attribute",
			"hass_id", g.HassID, "attribute", attribute)
		return nil
	}
}

// routeLightJSON handles a json-schema light command. One document maps
// to one semantic command; the most specific requested change wins and
// the rest is reconciled by the post-ack snapshot.
func (b *Bridge) routeLightJSON(d *device.Device, payload []byte) error {
	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %s", ErrBadPayload, payload)
	}

	if strings.EqualFold(cmd.State, "OFF") {
		return b.commander.SetPower(d.ID, false)
	}
	switch {
	case cmd.Color != nil:
		return b.commander.SetRGB(d.ID, byte(cmd.Color.R), byte(cmd.Color.G), byte(cmd.Color.B))
	case cmd.ColorTemp != nil:
		return b.commander.SetColorTemperature(d.ID, *cmd.ColorTemp)
	case cmd.Brightness != nil:
		return b.commander.SetBrightness(d.ID, *cmd.Brightness)
	default:
		return b.commander.SetPower(d.ID, true)
	}
}

func (b *Bridge) routeGroupJSON(g *device.Group, payload []byte) error {
	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("%w: %s", ErrBadPayload, payload)
	}

	if strings.EqualFold(cmd.State, "OFF") {
		return b.commander.GroupSetPower(g.ID, false)
	}
	switch {
	case cmd.Color != nil:
		return b.commander.GroupSetRGB(g.ID, byte(cmd.Color.R), byte(cmd.Color.G), byte(cmd.Color.B))
	case cmd.ColorTemp != nil:
		return b.commander.GroupSetColorTemperature(g.ID, *cmd.ColorTemp)
	case cmd.Brightness != nil:
		return b.commander.GroupSetBrightness(g.ID, *cmd.Brightness)
	default:
		return b.commander.GroupSetPower(g.ID, true)
	}
}

func isJSON(payload []byte) bool {
	trimmed := strings.TrimSpace(string(payload))
	return strings.HasPrefix(trimmed, "{")
}

func parseOnOff(payload []byte) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "ON", "1", "TRUE":
		return true, nil
	case "OFF", "0", "FALSE":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not a power state", ErrBadPayload, payload)
	}
}

func parseInt(payload []byte) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrBadPayload, payload)
	}
	return n, nil
}

// parseRGB accepts "r,g,b" with each component 0..255.
func parseRGB(payload []byte) (r, g, b byte, err error) {
	parts := strings.Split(strings.TrimSpace(string(payload)), ",")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("%w: %q is not r,g,b", ErrBadPayload, payload)
	}
	vals := make([]byte, 3)
	for i, p := range parts {
		n, convErr := strconv.Atoi(strings.TrimSpace(p))
		if convErr != nil || n < 0 || n > 255 {
			return 0, 0, 0, fmt.Errorf("%w: rgb component %q", ErrBadPayload, p)
		}
		vals[i] = byte(n)
	}
	return vals[0], vals[1], vals[2], nil
}
