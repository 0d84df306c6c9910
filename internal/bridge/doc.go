// Package bridge is the Home Assistant face of the controller.
//
// It publishes retained discovery documents so entities appear without
// manual configuration, mirrors registry state and availability onto
// status topics, and routes inbound set-topic payloads into semantic
// commands. Payload shape is strict per entity class: switches and
// plugs carry bare ON/OFF, lights a JSON document, fans a retained
// preset alongside their power state.
package bridge
