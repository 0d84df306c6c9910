package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteCommandLatency records one command round trip. Written only when
// perf tracking is enabled; the write is non-blocking and batched.
//
// Parameters:
//   - deviceID: Mesh id of the targeted device or group
//   - action: Command kind ("power", "brightness", "color_temp", "rgb", "fan")
//   - latency: Dispatch-to-ack duration
//   - timedOut: Whether the command expired without an ack
func (c *Client) WriteCommandLatency(deviceID int, action string, latency time.Duration, timedOut bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"command_latency",
		map[string]string{
			"device_id": strconv.Itoa(deviceID),
			"action":    action,
		},
		map[string]interface{}{
			"latency_ms": float64(latency.Milliseconds()),
			"timed_out":  timedOut,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteStateChange records a device state or availability transition.
func (c *Client) WriteStateChange(deviceID int, power string, brightness int, online bool) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"device_state",
		map[string]string{
			"device_id": strconv.Itoa(deviceID),
		},
		map[string]interface{}{
			"power":      power,
			"brightness": brightness,
			"online":     online,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteBridgePool records the size of the ready bridge pool. Useful for
// spotting mesh degradation over time.
func (c *Client) WriteBridgePool(ready int) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"bridge_pool",
		nil,
		map[string]interface{}{
			"ready": ready,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}
