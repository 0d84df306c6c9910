// Package commands is the semantic command surface over the mesh.
//
// A command names a device or group and a desired change (power,
// brightness, color temperature, RGB, fan preset). The layer validates
// against device capabilities, throttles through the per-device pending
// latch, serializes to a control packet, fans it out to the fastest
// ready bridges under one message id, and publishes the locally
// predictable outcome immediately. The ack, or its absence, arrives
// later through the correlator; either way the latch clears and a mesh
// snapshot reconciles the published state with reality.
package commands
