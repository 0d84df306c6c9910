// Package config loads and validates the controller configuration from
// YAML with environment variable overrides.
//
// The account section (devices, groups, capabilities) is normally
// written by the exporter; everything else is deployment settings.
package config
