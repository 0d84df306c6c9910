// Package influxdb provides optional time-series telemetry for the
// controller: command round-trip latency, device state transitions and
// bridge pool size.
//
// It wraps the official influxdb-client-go v2 library. Writes are
// non-blocking and batched according to config.yaml settings
// (batch_size, flush_interval); batch errors surface via a callback.
// When influxdb.enabled is false, Connect returns ErrDisabled and the
// rest of the controller runs without telemetry.
package influxdb
