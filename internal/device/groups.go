package device

// Fan preset names exposed over MQTT, mapped to brightness buckets.
const (
	FanOff    = "off"
	FanLow    = "low"
	FanMedium = "medium"
	FanHigh   = "high"
	FanMax    = "max"
)

// fanBuckets maps preset names to the brightness percent a fan motor is
// driven at. Order matters for nearest-bucket rounding.
var fanBuckets = []struct {
	Preset  string
	Percent int
}{
	{FanOff, 0},
	{FanLow, 25},
	{FanMedium, 50},
	{FanHigh, 75},
	{FanMax, 100},
}

// FanPresets returns the preset names in ascending speed order.
func FanPresets() []string {
	out := make([]string, len(fanBuckets))
	for i, b := range fanBuckets {
		out[i] = b.Preset
	}
	return out
}

// FanPresetForBrightness maps a reported brightness percent to the
// nearest preset. A powered-off fan is always "off" regardless of the
// retained brightness value.
func FanPresetForBrightness(pct int, power PowerState) string {
	if power != PowerOn {
		return FanOff
	}
	best := fanBuckets[0]
	bestDist := abs(pct - best.Percent)
	for _, b := range fanBuckets[1:] {
		if d := abs(pct - b.Percent); d < bestDist {
			best, bestDist = b, d
		}
	}
	return best.Preset
}

// FanBrightnessForPreset maps a preset name to its brightness percent.
// Unknown presets return -1.
func FanBrightnessForPreset(preset string) int {
	for _, b := range fanBuckets {
		if b.Preset == preset {
			return b.Percent
		}
	}
	return -1
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// GroupHasEntity reports whether the group gets its own MQTT entity.
// It takes at least one aggregatable member: wall switches mirror the
// load they control and fan speeds do not compose into a group light
// state, so a group holding only those gets no entity of its own.
func (r *Registry) GroupHasEntity(g *Group) bool {
	for _, id := range g.Members {
		d, ok := r.devices[id]
		if !ok || d.Caps.Switch || d.Caps.Fan {
			continue
		}
		return true
	}
	return false
}

// AggregateGroup computes the group entity's state from its members.
//
// Wall switches are excluded: they mirror the load they control and
// would double-count it. The rules are:
//   - power: ON if any member is online and ON
//   - brightness: the maximum among members that are online and ON;
//     members are scanned in configured order, so the first member
//     holding the maximum supplies it
//   - color temperature: brightness-weighted mean over online, ON,
//     color-temp-capable members
//   - rgb: the first online, ON member reporting a color supplies it
func (r *Registry) AggregateGroup(g *Group) GroupState {
	agg := GroupState{Power: PowerOff}

	var ctWeightSum, ctSum int
	sawKnown := false

	for _, id := range g.Members {
		d, ok := r.devices[id]
		if !ok || d.Caps.Switch {
			continue
		}

		d.mu.Lock()
		online := d.online
		st := d.state
		d.mu.Unlock()

		if !online {
			continue
		}
		if st.Power == PowerUnknown {
			continue
		}
		sawKnown = true
		if st.Power != PowerOn {
			continue
		}

		agg.Power = PowerOn
		if st.Brightness > agg.Brightness {
			agg.Brightness = st.Brightness
		}
		if d.Caps.ColorTemp && st.ColorTempK > 0 {
			weight := st.Brightness
			if weight == 0 {
				weight = 1
			}
			ctWeightSum += weight
			ctSum += st.ColorTempK * weight
		}
		if d.Caps.RGB && st.HasRGB && !agg.HasRGB {
			agg.RGB = st.RGB
			agg.HasRGB = true
		}
	}

	if !sawKnown {
		agg.Power = PowerUnknown
	}
	if ctWeightSum > 0 {
		agg.ColorTempK = ctSum / ctWeightSum
	}
	return agg
}
