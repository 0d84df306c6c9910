// Package mqtt wraps paho.mqtt.golang with connection management,
// automatic subscription restoration on reconnect, a retained bridge
// availability topic with LWT, and the controller's topic layout.
package mqtt
