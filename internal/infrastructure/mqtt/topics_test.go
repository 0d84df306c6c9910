package mqtt

import "testing"

func TestTopics(t *testing.T) {
	topics := NewTopics("", "")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"bridge availability", topics.BridgeAvailability(), "cync/availability/bridge"},
		{"device availability", topics.Availability("123-26"), "cync/availability/123-26"},
		{"status", topics.Status("123-26"), "cync/status/123-26"},
		{"fan preset", topics.FanPreset("123-40"), "cync/status/123-40/preset"},
		{"set", topics.Set("123-26"), "cync/set/123-26"},
		{"set attribute", topics.SetAttribute("123-26", "brightness"), "cync/set/123-26/brightness"},
		{"all set", topics.AllSet(), "cync/set/#"},
		{"discovery", topics.DiscoveryConfig("light", "123-26"), "homeassistant/light/123-26/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopicsCustomBase(t *testing.T) {
	topics := NewTopics("lights", "ha")
	if got := topics.Status("1-2"); got != "lights/status/1-2" {
		t.Errorf("Status() = %q", got)
	}
	if got := topics.DiscoveryConfig("fan", "1-2"); got != "ha/fan/1-2/config" {
		t.Errorf("DiscoveryConfig() = %q", got)
	}
}
