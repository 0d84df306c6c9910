// Package exporter seeds the local configuration from the vendor cloud.
//
// It runs a small HTTP API driving the one-time export flow: request an
// e-mail OTP, verify it to obtain a bearer token, pull the account's
// device and group topology, and write it into the controller's YAML
// configuration. The bearer token is cached so subsequent exports skip
// the OTP round-trip.
//
// The server follows the same lifecycle pattern as the other
// components:
//
//	srv, err := exporter.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
package exporter
