package exporter

import "github.com/cync-lan/cync-lan/internal/infrastructure/config"

// Capability classes by vendor device type, collated from the published
// model tables. Types not listed fall back to a dimmable white light,
// which is the most common class on the product line.
var (
	plugTypes = typeSet(64, 65, 66, 67, 68)

	fanTypes = typeSet(81)

	// Wall switches and wire-free remotes. Dimmer models still report
	// through the same range; the brightness hint comes separately.
	switchTypes = typeSet(113, 114, 115, 116, 117, 118, 119)

	dimmerSwitchTypes = typeSet(113, 114, 115)

	colorTempTypes = typeSet(
		5, 6, 7, 8, 10, 11, 14, 15, 19, 20, 21, 22, 23, 25, 26, 28,
		80, 82, 83, 85,
		129, 130, 131, 132, 133, 135, 136, 137, 138, 139,
		146, 147, 148, 149, 153, 154, 156, 158, 159, 160,
	)

	rgbTypes = typeSet(
		6, 7, 8, 21, 22, 23,
		131, 132, 133, 137, 138, 139,
		146, 148, 153, 154, 156, 158, 159, 160,
	)
)

func typeSet(types ...int) map[int]bool {
	s := make(map[int]bool, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

// Tunable-white range for the product line's CT bulbs.
const (
	defaultMinKelvin = 2000
	defaultMaxKelvin = 7000
)

// capabilitiesForType maps a vendor device type onto capability hints.
func capabilitiesForType(deviceType int) config.DeviceConfig {
	var dev config.DeviceConfig

	switch {
	case plugTypes[deviceType]:
		dev.Plug = true
	case fanTypes[deviceType]:
		dev.Fan = true
		dev.Brightness = true
	case switchTypes[deviceType]:
		dev.Switch = true
		dev.Brightness = dimmerSwitchTypes[deviceType]
	default:
		dev.Brightness = true
		if colorTempTypes[deviceType] {
			dev.ColorTemp = true
			dev.MinKelvin = defaultMinKelvin
			dev.MaxKelvin = defaultMaxKelvin
		}
		dev.RGB = rgbTypes[deviceType]
	}

	return dev
}
