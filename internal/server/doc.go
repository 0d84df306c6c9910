// Package server terminates device TLS connections in place of the
// vendor cloud.
//
// Each accepted connection runs a small lifecycle: handshake within a
// deadline, then a packet loop guarded by an idle watchdog, with the
// controller answering device heartbeats the way the cloud would. WiFi
// devices that complete the handshake join a bounded bridge pool; the
// command layer dispatches control packets through the fastest pool
// members and the Correlator matches acks back to in-flight commands,
// expiring unanswered ones.
package server
