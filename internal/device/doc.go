// Package device holds the in-memory model of the configured account:
// devices, groups, their runtime state and availability.
//
// The Registry is the single writer of device availability. Status
// tuples parsed from mesh traffic are folded in through ApplyStatus,
// which debounces offline transitions, suppresses no-change publishes
// and keeps group aggregates current.
package device
