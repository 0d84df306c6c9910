// Package mesh keeps device state converging with physical reality.
//
// State can change without any command passing through the controller,
// a wall switch toggled by hand being the usual case. The controller
// periodically asks one bridge for a full mesh-info snapshot and also
// honors immediate requests raised after command acks, so optimistic
// publishes get corrected within one refresh interval.
package mesh
